package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
)

type fakeVerifier map[string]*auth.Token

func (f fakeVerifier) VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error) {
	if tok, ok := f[idToken]; ok {
		return tok, nil
	}
	return nil, errors.New("token has expired")
}

func newEcho(verifier TokenVerifier) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = JSONErrorHandler(zap.NewNop())
	admin := e.Group("/admin", RequireOperator(verifier))
	admin.GET("/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, Operator(c))
	})
	e.GET("/boom", func(c echo.Context) error {
		return apperr.New(apperr.KindInternal, "database exploded", errors.New("pq: connection refused"))
	})
	e.GET("/conflict", func(c echo.Context) error {
		return apperr.Newf(apperr.KindConflict, "order is already paid")
	})
	return e
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestRequireOperator(t *testing.T) {
	verifier := fakeVerifier{
		"op-token": {UID: "uid-1", Claims: map[string]interface{}{"operator": true, "email": "ops@example.com"}},
		"user":     {UID: "uid-2", Claims: map[string]interface{}{"email": "someone@example.com"}},
	}
	e := newEcho(verifier)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"operator", "Bearer op-token", http.StatusOK, "ops@example.com"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"invalid token", "Bearer forged", http.StatusUnauthorized, ""},
		{"without claim", "Bearer user", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/whoami", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
			} else {
				assert.Equal(t, apperr.KindUnauthorized, decodeError(t, rec).Kind)
			}
		})
	}
}

func TestRequireOperator_NotConfigured(t *testing.T) {
	e := newEcho(nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer op-token")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJSONErrorHandler(t *testing.T) {
	e := newEcho(nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, apperr.KindInternal, detail.Kind)
	assert.NotContains(t, detail.Message, "pq:")

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrorDetail{Kind: apperr.KindConflict, Message: "order is already paid"}, decodeError(t, rec))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperr.KindNotFound, decodeError(t, rec).Kind)
}
