/**
 * @description
 * This file sets up the HTTP router for the donor-service using the
 * go-chi/chi router. It defines the admin donor routes, applies middleware
 * for logging, CORS, and authentication, and gates mutations behind the
 * capability checks so handlers and services stay free of permission logic.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the donor-service routes.
func NewRouter(h *Handler, authSecret string) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Donor-Nonce"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Donor service is healthy"))
	})

	r.Route("/admin/donors/{donorID}", func(r chi.Router) {
		r.Use(AuthMiddleware(authSecret))

		// Read routes require the view capability.
		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(CapDonorsView))
			r.Get("/", h.handleGetDonor)
			r.Get("/nonce", h.handleIssueNonce)
			r.Get("/notes", h.handleListNotes)
			// Note add mirrors the legacy role split: viewing reports is
			// enough to leave a note.
			r.Post("/notes", h.handleAddNote)
		})

		// Every other mutation requires the edit capability.
		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(CapDonorsEdit))
			r.Post("/", h.handleEditDonor)
			r.Post("/delete", h.handleDeleteDonor)
			r.Post("/disconnect", h.handleDisconnectUser)
			r.Post("/emails", h.handleAddEmail)
			r.Post("/emails/remove", h.handleRemoveEmail)
			r.Post("/emails/primary", h.handleSetPrimaryEmail)
		})
	})

	return r
}
