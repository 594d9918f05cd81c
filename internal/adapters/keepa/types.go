package keepa

// Índices de tipo de precio en el array csv del upstream.
const (
	priceAmazon = 0  // precio de Amazon retail
	priceNewFBM = 7  // new 3rd party FBM + envío
	priceBuyBox = 18 // precio del buy box
)

// productResponse es la respuesta del endpoint /product.
// El presupuesto de tokens viaja en cada respuesta.
type productResponse struct {
	TokensLeft     int              `json:"tokensLeft"`
	RefillRate     int              `json:"refillRate"`
	RefillIn       int              `json:"refillIn"` // segundos hasta el próximo refill
	TokensConsumed int              `json:"tokensConsumed"`
	Products       []productPayload `json:"products"`
	Error          *upstreamError   `json:"error"`
}

type upstreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// productPayload es un producto dentro de la respuesta.
//
// csv[i] es una serie temporal compacta: pares alternos
// [minuto, valor, minuto, valor, ...] donde el minuto es el offset desde el
// epoch fijo del upstream y el valor va en unidades menores (peniques).
// Valor -1 = sin dato en ese punto.
type productPayload struct {
	ASIN                  string         `json:"asin"`
	Title                 string         `json:"title"`
	Brand                 string         `json:"brand"`
	CSV                   [][]int        `json:"csv"`
	Stats                 *statsPayload  `json:"stats"`
	LiveOffersOrder       []int          `json:"liveOffersOrder"`
	Offers                []offerPayload `json:"offers"`
	OfferCountNew         []int          `json:"offerCountNew"`
	BuyBoxSellerIDHistory []string       `json:"buyBoxSellerIdHistory"`
}

// statsPayload son los agregados precalculados que devuelve el parámetro stats.
// Los arrays van indexados por tipo de precio; -1 o ausente = sin dato.
type statsPayload struct {
	Current          []int `json:"current"`
	Avg30            []int `json:"avg30"`
	Min30            []int `json:"min30"`
	Max30            []int `json:"max30"`
	SalesRankDrops30 int   `json:"salesRankDrops30"`
}

type offerPayload struct {
	OfferID int  `json:"offerId"`
	IsFBA   bool `json:"isFBA"`
}
