package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

const userContextKey contextKey = "user_id"

// Resolver traduz a credencial bearer em userId.
// A emissão dos tokens fica com o serviço de autenticação do jogo.
type Resolver struct {
	secret []byte
	leeway time.Duration
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret), leeway: 5 * time.Second}
}

// ResolveToken valida um JWT HS256 e devolve o claim sub
func (r *Resolver) ResolveToken(tokenString string) (string, error) {
	claims := jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(r.leeway))
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Resolve lê o header Authorization da requisição
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	tok, ok := extractBearerToken(req.Header.Get("Authorization"))
	if !ok {
		return "", ErrMissingToken
	}
	return r.ResolveToken(tok)
}

// Middleware exige bearer válido e injeta o userId no contexto
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		userID, err := r.Resolve(req)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":401,"message":"` + err.Error() + `"}`))
			return
		}
		next.ServeHTTP(w, req.WithContext(WithUserID(req.Context(), userID)))
	})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userContextKey).(string)
	return v, ok && v != ""
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// IssueToken assina um token HS256 para o usuário; usado por ferramentas locais e testes
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
