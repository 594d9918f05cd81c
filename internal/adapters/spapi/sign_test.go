package spapi

import (
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2025, 8, 30, 12, 36, 0, 0, time.UTC)

func newSigner() *signer {
	return &signer{
		accessKey: "AKIDEXAMPLE",
		secretKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
		region:    "eu-west-1",
	}
}

func signedRequest(t *testing.T, method, rawurl string, payload []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawurl, nil)
	require.NoError(t, err)
	newSigner().Sign(req, payload, testTime)
	return req
}

func TestSign_AuthorizationFormat(t *testing.T) {
	req := signedRequest(t, "GET", "https://api.example.com/products/fees", nil)

	auth := req.Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 "))
	assert.Contains(t, auth, "Credential=AKIDEXAMPLE/20250830/eu-west-1/execute-api/aws4_request")
	assert.Contains(t, auth, "SignedHeaders=")
	assert.Contains(t, auth, "host")

	sig := regexp.MustCompile(`Signature=([0-9a-f]+)`).FindStringSubmatch(auth)
	require.Len(t, sig, 2)
	assert.Len(t, sig[1], 64, "la firma es SHA-256 en hex")
}

func TestSign_KnownVector(t *testing.T) {
	// Vector fijo calculado fuera de esta implementación: cualquier cambio en la
	// canonicalización o en la derivación de la clave rompe este test.
	s := &signer{accessKey: "AKIDEXAMPLE", secretKey: "secreto", region: "eu-west-1"}

	req, err := http.NewRequest("GET",
		"https://api.example.com/catalog/2022-04-01/items/B00TEST123?marketplaceIds=A1F83G8C2ARO7P", nil)
	require.NoError(t, err)
	req.Header.Set("X-Amz-Access-Token", "token-123")

	s.Sign(req, nil, time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC))

	assert.Equal(t,
		"AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20260115/eu-west-1/execute-api/aws4_request, "+
			"SignedHeaders=host;x-amz-access-token;x-amz-date, "+
			"Signature=486d397087935bc8db375caaf84aab9f9302815512b7350df14079effa6f744a",
		req.Header.Get("Authorization"))
}

func TestSign_SetsAmzDate(t *testing.T) {
	req := signedRequest(t, "GET", "https://api.example.com/", nil)
	assert.Equal(t, "20250830T123600Z", req.Header.Get("X-Amz-Date"))
}

func TestSign_Deterministic(t *testing.T) {
	a := signedRequest(t, "GET", "https://api.example.com/items/B00X?marketplaceIds=A1F83G8C2ARO7P", nil)
	b := signedRequest(t, "GET", "https://api.example.com/items/B00X?marketplaceIds=A1F83G8C2ARO7P", nil)
	assert.Equal(t, a.Header.Get("Authorization"), b.Header.Get("Authorization"))
}

func TestSign_DifferentSecretDifferentSignature(t *testing.T) {
	req1, _ := http.NewRequest("GET", "https://api.example.com/", nil)
	req2, _ := http.NewRequest("GET", "https://api.example.com/", nil)

	s1 := newSigner()
	s2 := newSigner()
	s2.secretKey = "otra-clave"

	s1.Sign(req1, nil, testTime)
	s2.Sign(req2, nil, testTime)
	assert.NotEqual(t, req1.Header.Get("Authorization"), req2.Header.Get("Authorization"))
}

func TestSign_PayloadAffectsSignature(t *testing.T) {
	a := signedRequest(t, "POST", "https://api.example.com/fees", []byte(`{"a":1}`))
	b := signedRequest(t, "POST", "https://api.example.com/fees", []byte(`{"a":2}`))
	assert.NotEqual(t, a.Header.Get("Authorization"), b.Header.Get("Authorization"))
}

func TestSign_QueryOrderIrrelevant(t *testing.T) {
	// El query canónico ordena las claves: el orden de entrada no cambia la firma
	a := signedRequest(t, "GET", "https://api.example.com/x?b=2&a=1", nil)
	b := signedRequest(t, "GET", "https://api.example.com/x?a=1&b=2", nil)
	assert.Equal(t, a.Header.Get("Authorization"), b.Header.Get("Authorization"))
}

func TestCanonicalQuery_SortsAndEscapes(t *testing.T) {
	req, err := http.NewRequest("GET", "https://api.example.com/x?b=2&a=hola mundo&a=1", nil)
	require.NoError(t, err)

	got := canonicalQuery(req.URL.Query())
	// Claves ordenadas, valores duplicados ordenados, espacio como %20
	assert.Equal(t, "a=1&a=hola%20mundo&b=2", got)
}

func TestCanonicalRequest_IncludesHost(t *testing.T) {
	req, err := http.NewRequest("GET", "https://api.example.com/items", nil)
	require.NoError(t, err)
	req.Header.Set("X-Amz-Date", "20250830T123600Z")

	canon, signedHeaders := canonicalRequest(req, nil)
	assert.Contains(t, canon, "host:api.example.com\n")
	assert.Equal(t, "host;x-amz-date", signedHeaders)
}

func TestCanonicalRequest_ExcludesAuthorization(t *testing.T) {
	req, err := http.NewRequest("GET", "https://api.example.com/items", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "previa")
	req.Header.Set("X-Amz-Date", "20250830T123600Z")

	_, signedHeaders := canonicalRequest(req, nil)
	assert.NotContains(t, signedHeaders, "authorization")
}
