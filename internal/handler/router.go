package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/tanglemarket-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса tanglemarket.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/member", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetOrders)

			r.Get("/balance", h.GetBalance)

			r.Get("/trades", h.GetTradeOrders)
			r.Post("/trades/cancel", h.CancelTradeOrder)

			r.Get("/credits", h.GetCredits)
		})
	})

	r.Get("/api/proposals/{id}/results", h.GetProposalResults)

	// Уведомления шлюза о подтверждённых входящих платежах.
	r.Post("/api/chain/payments", h.ChainPayment)

	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/sweeps/expire-orders", h.ExpireOrders)
		r.Post("/sweeps/reconcile", h.ReconcileOrders)
		r.Post("/credits/{id}/unlock", h.UnlockCredit)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
