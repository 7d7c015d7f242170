package routes

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/kareempjackson/undr-api-sub001/internal/handlers"
	"github.com/kareempjackson/undr-api-sub001/internal/metrics"
	appmw "github.com/kareempjackson/undr-api-sub001/internal/middleware"
	"github.com/kareempjackson/undr-api-sub001/internal/ratelimit"
)

// NewRoutes builds the API router. proofLimiter may be nil, in which case
// proof submission is not rate limited.
func NewRoutes(h *handlers.Handlers, proofLimiter *ratelimit.Limiter) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Device-Fingerprint"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Works Fine!"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	r.Post("/auth/login", h.LoginHandler)
	r.Post("/webhooks/payments", h.PaymentWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(appmw.Authenticated(h.JWTSecret))

		r.Get("/wallet", h.WalletHandler)

		r.Post("/escrows", h.CreateEscrowHandler)
		r.Post("/escrows/open", h.OpenEscrowHandler)
		r.Get("/escrows", h.ListEscrowsHandler)

		r.Route("/escrows/{id}", func(r chi.Router) {
			r.Get("/", h.GetEscrowHandler)
			r.Post("/fund", h.FundEscrowHandler)
			r.Get("/proofs", h.ListProofsHandler)
			r.With(limitByUser(proofLimiter)).Post("/proofs", h.SubmitProofHandler)
			r.Post("/release", h.ReleaseHandler)
			r.Post("/refund", h.RefundHandler)
			r.Post("/cancel", h.CancelHandler)
			r.Patch("/milestones/{milestoneID}", h.UpdateMilestoneHandler)
			r.Get("/logs", h.EscrowLogsHandler)
		})

		r.Post("/proofs/{id}/review", h.ReviewProofHandler)
	})

	return r
}

func limitByUser(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware(func(r *http.Request) string {
		id, ok := appmw.UserID(r.Context())
		if !ok {
			return ""
		}
		return strconv.FormatUint(uint64(id), 10)
	})
}
