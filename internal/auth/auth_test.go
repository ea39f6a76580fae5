package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceKey = "rs_0123456789abcdef0123456789abcdef"
	bobKey   = "rs_fedcba9876543210fedcba9876543210"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKeys() *KeyStore {
	return NewKeyStore(map[string]string{"alice": aliceKey, "bob": bobKey})
}

// --- KeyStore ---

func TestKeyStore_Validate(t *testing.T) {
	s := testKeys()
	assert.Equal(t, 2, s.Len())

	ak := s.Validate(aliceKey)
	require.NotNil(t, ak)
	assert.Equal(t, "alice", ak.UserID)

	ak = s.Validate(bobKey)
	require.NotNil(t, ak)
	assert.Equal(t, "bob", ak.UserID)

	assert.Nil(t, s.Validate(""))
	assert.Nil(t, s.Validate(aliceKey+"0"))
	assert.Nil(t, s.Validate(strings.ToUpper(aliceKey)))
}

func TestKeyStore_Empty(t *testing.T) {
	s := NewKeyStore(nil)
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Validate(aliceKey))
}

func TestKeyStore_HoldsOnlyHashes(t *testing.T) {
	s := testKeys()
	for _, k := range s.keys {
		assert.NotContains(t, string(k.hash[:]), aliceKey)
	}
}

// --- GenerateAPIKey / RandomHex ---

func TestGenerateAPIKey(t *testing.T) {
	k := GenerateAPIKey()
	assert.True(t, strings.HasPrefix(k, APIKeyPrefix))
	assert.Len(t, k, len(APIKeyPrefix)+2*apiKeyBytes)
	assert.GreaterOrEqual(t, len(k), APIKeyMinLen)
	assert.NotEqual(t, k, GenerateAPIKey())
}

func TestRandomHex_Length(t *testing.T) {
	assert.Len(t, RandomHex(16), 32)
}

// --- Middleware ---

func TestMiddleware_ValidKey(t *testing.T) {
	var gotUser, gotIP string

	mw := Middleware(testKeys(), testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = RequestUserID(r.Context())
		gotIP = RequestRemoteIP(r.Context())
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.RemoteAddr = "10.0.0.5:51234"
	req.Header.Set("Authorization", "Bearer "+bobKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "bob", gotUser)
	assert.Equal(t, "10.0.0.5", gotIP)
}

func TestMiddleware_MissingToken(t *testing.T) {
	mw := Middleware(testKeys(), testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, wwwAuthenticate, rec.Header().Get("WWW-Authenticate"))
}

func TestMiddleware_InvalidKey(t *testing.T) {
	mw := Middleware(testKeys(), testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer rs_nope")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestMiddleware_NonBearerAuth(t *testing.T) {
	mw := Middleware(testKeys(), testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestValues_EmptyWithoutMiddleware(t *testing.T) {
	assert.Empty(t, RequestUserID(context.Background()))
	assert.Empty(t, RequestRemoteIP(context.Background()))
}
