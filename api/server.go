/*
server.go - HTTP router, middleware and caller identity

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Identity:   Who is acting (every /api route)

IDENTITY:
  Every approval rule keys on the acting identity, so no /api route runs
  without one.
  - With a JWT secret: "Authorization: Bearer <token>", HS256, identity is
    the "email" claim (falling back to "sub"). The issuer is checked when set.
  - Without a secret: the X-User-Email header is trusted. Development only.
  A request without an identity gets 401.

ROUTE GROUPS:
  /api/lots, /api/settlements   Lot registration and settlement
  /api/advances                 Supplier advances
  /api/cash                     Cash book
  /api/withdrawals              Withdrawal approval workflow
  /api/wallets                  Wallet credits and balances
  /api/reconciliation           Consistency checks
  /api/scenarios                Demo scenarios
  /health                       Liveness, no identity needed

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
)

// IdentityHeader carries the caller when no JWT secret is configured.
const IdentityHeader = "X-User-Email"

// Options configures the router.
type Options struct {
	AllowedOrigins []string

	// JWTSecret enables bearer tokens. Empty trusts IdentityHeader.
	JWTSecret string
	JWTIssuer string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdentityHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(IdentityMiddleware(opts.JWTSecret, opts.JWTIssuer))

		r.Route("/lots", func(r chi.Router) {
			r.Get("/", h.ListLots)
			r.Post("/", h.CreateLot)
		})

		r.Route("/settlements", func(r chi.Router) {
			r.Post("/", h.ExecuteSettlement)
			r.Post("/quote", h.QuoteSettlement)
		})

		r.Route("/advances", func(r chi.Router) {
			r.Post("/", h.RecordAdvance)
			r.Get("/{supplierID}", h.GetAdvances)
		})

		r.Route("/cash", func(r chi.Router) {
			r.Get("/balance", h.GetCashBalance)
			r.Get("/transactions", h.ListCashTransactions)
			r.Post("/deposits", h.RecordDeposit)
			r.Post("/deposits/{id}/confirm", h.ConfirmDeposit)
			r.Post("/expenses", h.RecordExpense)
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.Get("/", h.ListWithdrawals)
			r.Post("/", h.SubmitWithdrawal)
			r.Get("/{id}", h.GetWithdrawal)
			r.Post("/{id}/approve", h.ApproveWithdrawal)
			r.Post("/{id}/reject", h.RejectWithdrawal)
		})

		r.Route("/wallets", func(r chi.Router) {
			r.Get("/{identity}", h.GetWallet)
			r.Post("/{identity}/credits", h.CreditWallet)
		})

		r.Get("/reconciliation", h.RunReconciliation)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// IDENTITY
// =============================================================================

type identityKey struct{}

// Identity returns the acting identity set by IdentityMiddleware.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}

// WithIdentity returns ctx carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityMiddleware resolves the caller from a bearer token when secret is
// set, otherwise from IdentityHeader.
func IdentityMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				identity string
				err      error
			)
			if secret != "" {
				identity, err = identityFromToken(r.Header.Get("Authorization"), secret, issuer)
			} else {
				identity = strings.TrimSpace(r.Header.Get(IdentityHeader))
				if identity == "" {
					err = fmt.Errorf("missing %s header", IdentityHeader)
				}
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), strings.ToLower(identity))))
		})
	}
}

func identityFromToken(header, secret, issuer string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...); err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	if email, _ := claims["email"].(string); email != "" {
		return email, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", errors.New("token has no email or sub claim")
}

// IssueToken signs an HS256 token for email. Used by tooling and tests.
func IssueToken(secret, issuer, email string) (string, error) {
	claims := jwt.MapClaims{"email": email}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
