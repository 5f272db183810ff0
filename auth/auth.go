package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey struct{}

// Principal is the authenticated caller of a request.
type Principal struct {
	// User ID from the token subject, or "api-key" for the static key.
	Subject string

	// "api_key" or "jwt".
	Method string
}

// Claims carried by bearer tokens issued by the account service.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	// Static key shared with trusted clients.
	ApiKey string

	// HS256 secret for bearer JWTs.
	JWTSecret string

	// Expected "iss" claim. Empty skips the check.
	Issuer string
}

// Authenticator accepts either the static API key or a signed JWT as a
// bearer token. With neither configured every request is allowed.
type Authenticator struct {
	apiKey    []byte
	jwtSecret []byte
	issuer    string
	logger    *zap.SugaredLogger
}

func NewAuthenticator(config Config, logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{
		apiKey:    []byte(config.ApiKey),
		jwtSecret: []byte(config.JWTSecret),
		issuer:    config.Issuer,
		logger:    logger,
	}
}

func (a *Authenticator) Enabled() bool {
	return len(a.apiKey) > 0 || len(a.jwtSecret) > 0
}

func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return nil, err
	}

	if len(a.apiKey) > 0 && subtle.ConstantTimeCompare([]byte(token), a.apiKey) == 1 {
		return &Principal{Subject: "api-key", Method: "api_key"}, nil
	}
	if len(a.jwtSecret) == 0 {
		return nil, fmt.Errorf("invalid API key")
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	return &Principal{Subject: subject, Method: "jwt"}, nil
}

func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %v", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware rejects unauthenticated requests with 401. Usable with
// mux.Router.Use.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.Authenticate(r)
		if err != nil {
			a.logger.Infow("Rejected unauthenticated request", "path", r.URL.Path, "error", err)
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(contextKey{}).(*Principal)
	return principal, ok
}

// ExtractToken reads a bearer token from the Authorization header.
func ExtractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("no token found in request")
	}
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("authorization header must use the Bearer scheme")
	}
	return strings.TrimSpace(token), nil
}
