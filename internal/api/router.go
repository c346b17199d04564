package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Get("/", IndexHandler)

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", apiHandler.HealthHandler)

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Chat routes
			r.Post("/chats", apiHandler.CreateChatHandler)
			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Get("/chats/{chatID}", apiHandler.GetChatDetailsHandler)
			r.Post("/chats/{chatID}/messages", apiHandler.PostMessageHandler)
			r.Post("/chats/{chatID}/stream", apiHandler.StreamMessageHandler)
			r.Delete("/chats/{chatID}/history", apiHandler.ResetHistoryHandler)

			r.Post("/interactions/{interactionID}/feedback", apiHandler.InteractionFeedbackHandler)
			r.Get("/references", apiHandler.ReferencesHandler)

			r.Get("/prompts", apiHandler.ListPromptsHandler)
			r.Put("/prompts/{role}", apiHandler.UpdatePromptHandler)

			// Data management
			r.Route("/data", func(r chi.Router) {
				r.Post("/uploads", apiHandler.UploadHandler)
				r.Get("/uploads", apiHandler.ListUploadsHandler)
				r.Get("/uploads/{uploadID}", apiHandler.GetUploadHandler)
				r.Get("/indexes", apiHandler.ListIndexesHandler)
				r.Post("/indexes/{name}/current", apiHandler.MakeIndexCurrentHandler)
				r.Delete("/indexes/{name}", apiHandler.DropIndexHandler)
			})
		})
	})

	return r
}
