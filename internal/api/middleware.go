package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/types"
)

const tokenCookieKey = "token"

type contextKey string

const principalKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(principalKey).(types.Principal)
	return p, ok && p.Id != ""
}

// credential returns the bearer credential from the token cookie, the
// Authorization header or the access_token query parameter, in that order.
// Browsers cannot set headers on a websocket handshake, hence the fallbacks.
func credential(r *http.Request) string {
	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value
	}

	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	return r.URL.Query().Get("access_token")
}

func (s *App) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the principal once per request and fails closed.
func (s *App) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.gate.Authenticate(r.Context(), credential(r))
		if err != nil {
			if chaterr.Is(err, chaterr.KindAuthentication) {
				s.log.Printf("authenticate: %v", err)
				errResp := NewUnauthorizedError()
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}

			s.log.Println("Authenticate:", err)
			s.writeError(w, err)
			return
		}

		ctx := WithPrincipal(r.Context(), p)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
