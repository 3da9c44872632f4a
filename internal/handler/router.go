package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/marketplace-core/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware ядра расчётов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}/summary", h.GetOrderSummary)
		})

		r.Post("/suborders/{id}/status", h.UpdateSubOrderStatus)
		r.Get("/vendors/suborders", h.ListVendorSubOrders)

		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.CreateWallet)
			r.Post("/transfer", h.Transfer)
			r.Get("/{id}", h.GetWallet)
			r.Post("/{id}/operations", h.WalletOperation)
			r.Get("/{id}/ledger", h.GetLedger)
		})

		r.Route("/pos", func(r chi.Router) {
			r.Post("/sales", h.QueueOfflineSale)
			r.Get("/sales/pending", h.ListPendingSales)
			r.Post("/sales/{id}/sync", h.SyncSale)
			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
