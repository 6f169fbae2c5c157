package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowledger/crypto"
	"escrowledger/gateway/auth"
	"escrowledger/observability/logging"
)

// HeaderCaller names the caller directly. It is honoured only when
// authentication is disabled, for local development.
const HeaderCaller = "X-Caller"

type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Address [20]byte
	Scopes  []string
	Method  string
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	return hasScopes(p.Scopes, []string{scope})
}

type contextKey string

const contextKeyPrincipal contextKey = "gateway.principal"

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(Principal)
	return p, ok
}

// Authenticator resolves the caller from either a wallet signature or a
// bearer token whose sub claim is the caller address.
type Authenticator struct {
	cfg        AuthConfig
	logger     *slog.Logger
	secret     []byte
	signatures *auth.Authenticator
}

func NewAuthenticator(cfg AuthConfig, signatures *auth.Authenticator, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:        cfg,
		logger:     logger,
		secret:     []byte(strings.TrimSpace(cfg.HMACSecret)),
		signatures: signatures,
	}
}

func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				a.serveUnauthenticated(w, r, next)
				return
			}
			var (
				principal Principal
				err       error
			)
			switch {
			case a.signatures != nil && auth.HasSignature(r):
				principal, err = a.fromSignature(r)
			case extractBearer(r.Header.Get("Authorization")) != "":
				principal, err = a.fromBearer(r)
			default:
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			if err != nil {
				a.logger.Warn("auth: credential rejected",
					slog.String("path", r.URL.Path),
					logging.MaskField("authorization", r.Header.Get("Authorization")),
					slog.String("error", err.Error()))
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			if len(requiredScopes) > 0 && !hasScopes(principal.Scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func (a *Authenticator) serveUnauthenticated(w http.ResponseWriter, r *http.Request, next http.Handler) {
	raw := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if raw == "" {
		next.ServeHTTP(w, r)
		return
	}
	addr, err := crypto.ParseIdentity(raw)
	if err != nil {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	principal := Principal{Address: addr, Method: "header"}
	next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
}

func (a *Authenticator) fromSignature(r *http.Request) (Principal, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
	if err != nil {
		return Principal{}, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	signer, err := a.signatures.Authenticate(r, body)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Address: signer, Method: "signature"}, nil
}

func (a *Authenticator) fromBearer(r *http.Request) (Principal, error) {
	claims, err := a.parseToken(extractBearer(r.Header.Get("Authorization")))
	if err != nil {
		return Principal{}, err
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return Principal{}, err
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Principal{}, errors.New("subject claim missing")
	}
	addr, err := crypto.ParseIdentity(sub)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Address: addr, Scopes: extractScopes(claims, a.cfg.ScopeClaim), Method: "bearer"}, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

// IssueToken mints an HS256 bearer token for subject. escrowctl and tests use it.
func IssueToken(secret, subject, issuer, audience string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience mismatch")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
