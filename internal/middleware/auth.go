package middleware

import (
	"context"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"

	"orderflow_billing/internal/apperr"
)

// OperatorClaim is the Firebase custom claim that grants access to admin routes
const OperatorClaim = "operator"

// TokenVerifier verifies Firebase ID tokens. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// RequireOperator returns a middleware that accepts a Firebase ID bearer token carrying the
// operator claim. A nil verifier rejects every request.
func RequireOperator(verifier TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if verifier == nil {
				return apperr.Newf(apperr.KindUnauthorized, "operator authentication is not configured")
			}

			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return apperr.Newf(apperr.KindUnauthorized, "missing authorization header")
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				return apperr.Newf(apperr.KindUnauthorized, "invalid authorization format")
			}

			decodedToken, err := verifier.VerifyIDToken(c.Request().Context(), tokenString)
			if err != nil {
				return apperr.New(apperr.KindUnauthorized, "invalid token", err)
			}
			if isOperator, _ := decodedToken.Claims[OperatorClaim].(bool); !isOperator {
				return apperr.Newf(apperr.KindUnauthorized, "operator access required")
			}

			// Set operator info in context for downstream handlers
			c.Set("operatorUID", decodedToken.UID)
			if email, ok := decodedToken.Claims["email"].(string); ok {
				c.Set("operatorEmail", email)
			}

			return next(c)
		}
	}
}

// Operator names the authenticated operator for audit fields, preferring the email.
func Operator(c echo.Context) string {
	if email, ok := c.Get("operatorEmail").(string); ok && email != "" {
		return email
	}
	if uid, ok := c.Get("operatorUID").(string); ok {
		return uid
	}
	return ""
}
