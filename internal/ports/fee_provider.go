package ports

import (
	"context"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// FeeProvider obtiene atributos de catálogo, restricciones y estimación de fees
// para un candidato. Las implementaciones cachean por TTL: un hit de caché
// no toca la red.
type FeeProvider interface {
	// FetchFeeSnapshot devuelve el snapshot de fees para el ASIN al precio dado.
	// sellGross es el precio de venta bruto usado para estimar el fee.
	FetchFeeSnapshot(ctx context.Context, asin string, sellGross float64) (domain.FeeSnapshot, error)
}
