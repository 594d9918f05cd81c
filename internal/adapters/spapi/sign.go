package spapi

// sign.go — firma canónica estilo SigV4, implementada a mano sobre crypto/hmac.
// La cadena es: request canónico → string-to-sign → clave derivada por HMAC
// encadenado (fecha → región → servicio → "aws4_request") → firma hex.
// Cualquier divergencia en la canonicalización produce un 403, así que cada
// paso sigue el formato al pie de la letra.

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	signAlgorithm = "AWS4-HMAC-SHA256"
	signService   = "execute-api"
)

// signer firma requests HTTP con un par de claves estáticas.
type signer struct {
	accessKey string
	secretKey string
	region    string
}

// Sign añade los headers X-Amz-Date y Authorization al request.
// payload es el body exacto que se enviará (nil para GET).
func (s *signer) Sign(req *http.Request, payload []byte, now time.Time) {
	amzDate := now.UTC().Format("20060102T150405Z")
	dateStamp := now.UTC().Format("20060102")

	req.Header.Set("X-Amz-Date", amzDate)

	canonReq, signedHeaders := canonicalRequest(req, payload)

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, s.region, signService)
	stringToSign := strings.Join([]string{
		signAlgorithm,
		amzDate,
		scope,
		hashHex([]byte(canonReq)),
	}, "\n")

	key := s.signingKey(dateStamp)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signAlgorithm, s.accessKey, scope, signedHeaders, signature))
}

// canonicalRequest construye la representación canónica del request y la
// lista de headers firmados (en minúsculas, ordenados, separados por ';').
func canonicalRequest(req *http.Request, payload []byte) (string, string) {
	// Query canónico: claves y valores escapados y ordenados.
	query := canonicalQuery(req.URL.Query())

	// Headers canónicos: minúsculas, valores sin espacios sobrantes, ordenados.
	// El host no viaja en req.Header (el transporte lo toma de req.URL),
	// pero la firma lo exige: se añade a mano.
	headers := map[string]string{"host": req.URL.Host}
	for name, vals := range req.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "host" {
			continue
		}
		trimmed := make([]string, len(vals))
		for i, v := range vals {
			trimmed[i] = strings.Join(strings.Fields(v), " ")
		}
		headers[lower] = strings.Join(trimmed, ",")
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var headerLines strings.Builder
	for _, name := range names {
		headerLines.WriteString(name)
		headerLines.WriteByte(':')
		headerLines.WriteString(headers[name])
		headerLines.WriteByte('\n')
	}
	signedHeaders := strings.Join(names, ";")

	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	canon := strings.Join([]string{
		req.Method,
		path,
		query,
		headerLines.String(),
		signedHeaders,
		hashHex(payload),
	}, "\n")
	return canon, signedHeaders
}

// canonicalQuery ordena y escapa los parámetros de query.
func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, escapeRFC3986(k)+"="+escapeRFC3986(v))
		}
	}
	return strings.Join(parts, "&")
}

// escapeRFC3986 escapa como exige la firma: espacios como %20, no '+'.
func escapeRFC3986(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// signingKey deriva la clave de firma del día por HMAC encadenado.
func (s *signer) signingKey(dateStamp string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, signService)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func hashHex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
