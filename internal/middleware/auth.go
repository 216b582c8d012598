package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	zlog "github.com/rs/zerolog/log"
)

type shopKey struct{}

// SessionClaims are the claims of an embedded-admin session token. Dest holds
// the shop URL, e.g. https://example.myshopify.com.
type SessionClaims struct {
	Dest string `json:"dest"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("missing bearer token")

// WithShop returns a context carrying the authenticated shop domain.
func WithShop(ctx context.Context, shop string) context.Context {
	return context.WithValue(ctx, shopKey{}, shop)
}

// ShopFromContext returns the shop set by ShopAuth.
func ShopFromContext(ctx context.Context) (string, bool) {
	shop, ok := ctx.Value(shopKey{}).(string)
	return shop, ok && shop != ""
}

// ParseSessionToken verifies an HS256 session token and returns the shop domain.
func ParseSessionToken(tokenString string, secret []byte) (string, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid session token")
	}

	return ShopDomain(claims.Dest)
}

// ShopDomain extracts the host from a dest claim. A bare domain is accepted.
func ShopDomain(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", errors.New("session token has no dest claim")
	}
	if !strings.Contains(dest, "://") {
		return strings.ToLower(dest), nil
	}

	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return "", errors.New("session token has an invalid dest claim")
	}
	return strings.ToLower(u.Host), nil
}

// ShopAuth authenticates admin requests with an `Authorization: Bearer <token>`
// session token and stores the shop in the request context.
func ShopAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err == nil {
				var shop string
				if shop, err = ParseSessionToken(tokenString, key); err == nil {
					logger := zlog.Ctx(r.Context()).With().Str("shop", shop).Logger()
					ctx := logger.WithContext(WithShop(r.Context(), shop))
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			zlog.Ctx(r.Context()).Debug().Err(err).Msg("rejected session token")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": "unauthorized"}`))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}
