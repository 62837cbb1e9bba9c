package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key-1"

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// PatientClaims returns the claims of an ordinary patient account.
func PatientClaims() TestClaims {
	return TestClaims{
		SubjectID: "patient-1",
		Email:     "patient@example.com",
		Roles:     []string{"patient"},
	}
}

// tokenIssuer signs tokens with an RSA key and serves the matching JWKS.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	jwksServer *httptest.Server
	issuer     string
	audience   string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	jwk := map[string]any{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{jwk}})
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		privateKey: key,
		jwksServer: srv,
		issuer:     "https://auth.test.clinique.example",
		audience:   "patientbff-test",
	}
}

// GenerateToken returns a signed token valid for one hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now, now.Add(time.Hour))
}

// GenerateExpiredToken returns a signed token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now.Add(-2*time.Hour), now.Add(-time.Hour))
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt, expiresAt time.Time) string {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   claims.SubjectID,
		"email": claims.Email,
	}
	if len(claims.Roles) > 0 {
		// Stored as []any to match what a decoded token carries.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}
	maps.Copy(mapClaims, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(ti.privateKey)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// JWKSURL returns the URL of the JWKS endpoint served by this issuer.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwksServer.URL
}
