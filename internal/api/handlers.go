package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/minipilot/minipilot/internal/auth"
	"github.com/minipilot/minipilot/internal/config"
	"github.com/minipilot/minipilot/internal/core"
	"github.com/minipilot/minipilot/internal/store"
	"github.com/minipilot/minipilot/internal/vectorstore"
)

type ctxKey string

// streamWriteGrace is added to the LLM timeout when extending a stream's write deadline.
const streamWriteGrace = 30 * time.Second

const userIDKey ctxKey = "userID"

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

type APIHandler struct {
	chatService   *core.ChatService
	ragService    *core.RAGService
	promptService *core.PromptService
	ingestService *core.IngestService
	healthChecks  map[string]HealthCheck
}

func NewAPIHandler(cs *core.ChatService, rag *core.RAGService, ps *core.PromptService, is *core.IngestService, checks map[string]HealthCheck) *APIHandler {
	return &APIHandler{
		chatService:   cs,
		ragService:    rag,
		promptService: ps,
		ingestService: is,
		healthChecks:  checks,
	}
}

func userIDFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrChatNotFound),
		errors.Is(err, core.ErrInteractionNotFound),
		errors.Is(err, core.ErrUploadNotFound),
		errors.Is(err, vectorstore.ErrIndexNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidPrompt),
		errors.Is(err, core.ErrUnsupportedFile):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrCurrentIndex):
		return http.StatusConflict
	case errors.Is(err, core.ErrQueueFull),
		errors.Is(err, vectorstore.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Internal errors are logged
// and replaced with fallback; store outages are logged and reported generically.
func respondError(w http.ResponseWriter, err error, fallback string) {
	status := errorStatus(err)
	switch {
	case status == http.StatusInternalServerError:
		log.Printf("%s: %v", fallback, err)
		http.Error(w, fallback, status)
	case errors.Is(err, vectorstore.ErrUnavailable):
		log.Printf("%s: %v", fallback, err)
		http.Error(w, vectorstore.ErrUnavailable.Error(), status)
	default:
		http.Error(w, err.Error(), status)
	}
}

// JWTAuthMiddleware resolves the bearer token to a local user id.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "Bearer token is required", http.StatusUnauthorized)
			return
		}

		subject, err := auth.ValidateJWT(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.chatService.GetUserByExternalID(subject)
		switch {
		case err != nil:
			log.Printf("Failed to resolve token subject %s: %v", subject, err)
			http.Error(w, "Failed to resolve user", http.StatusInternalServerError)
			return
		case user == nil:
			http.Error(w, "Unknown user", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, user.ID)))
	})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, check := range h.healthChecks {
		if err := check(r.Context()); err != nil {
			log.Printf("Health check %s failed: %v", name, err)
			status[name] = "unreachable"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	respondJSON(w, code, status)
}

// Credentials is the body of signup and login requests.
type Credentials struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (Credentials, bool) {
	var c Credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return c, false
	}
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" || c.Password == "" {
		http.Error(w, "user_id and password are required", http.StatusBadRequest)
		return c, false
	}
	return c, true
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	existing, err := h.chatService.GetUserByExternalID(creds.UserID)
	if err != nil {
		respondError(w, err, "Failed to sign up")
		return
	}
	if existing != nil {
		http.Error(w, "User already exists", http.StatusConflict)
		return
	}

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		respondError(w, err, "Failed to sign up")
		return
	}
	user, err := h.chatService.CreateUser(creds.UserID, hash)
	if err != nil {
		respondError(w, err, "Failed to sign up")
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

// LoginHandler exchanges valid credentials for a session token.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := h.chatService.GetUserByExternalID(creds.UserID)
	if err != nil {
		respondError(w, err, "Failed to log in")
		return
	}
	// unknown users and wrong passwords get the same answer
	if user == nil || !auth.CheckPasswordHash(creds.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(user.ExternalUserID)
	if err != nil {
		respondError(w, err, "Failed to log in")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

type CreateChatRequest struct {
	FirstMessage *string `json:"first_message,omitempty"`
}

type CreateChatResponse struct {
	*store.Chat
	Answer *core.Answer `json:"answer,omitempty"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	var req CreateChatRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	chat, answer, err := h.chatService.CreateChat(r.Context(), userID, req.FirstMessage)
	if err != nil {
		log.Printf("Error creating chat for user %d: %v", userID, err)
		http.Error(w, "Failed to create chat", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusCreated, CreateChatResponse{Chat: chat, Answer: answer})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	chats, err := h.chatService.GetChats(userID)
	if err != nil {
		log.Printf("Error listing chats for user %d: %v", userID, err)
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	chatID := chi.URLParam(r, "chatID")

	details, err := h.chatService.GetChatDetails(r.Context(), chatID, userID)
	if err != nil {
		respondError(w, err, "Failed to get chat details")
		return
	}
	respondJSON(w, http.StatusOK, details)
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return "", false
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return "", false
	}
	return req.Content, true
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	chatID := chi.URLParam(r, "chatID")

	content, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	answer, err := h.chatService.Ask(r.Context(), chatID, userID, content, func(string) error { return nil })
	if err != nil {
		respondError(w, err, "Failed to post message")
		return
	}
	respondJSON(w, http.StatusOK, answer)
}

// StreamMessageHandler writes the answer as plain text while it is generated.
// The interaction id is sent as a trailer once the answer is complete.
func (h *APIHandler) StreamMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	chatID := chi.URLParam(r, "chatID")

	content, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	// Each chunk pushes the write deadline out, so a stream is bounded by the
	// gap between chunks rather than by the server's WriteTimeout.
	rc := http.NewResponseController(w)
	extendDeadline := func() {
		err := rc.SetWriteDeadline(time.Now().Add(config.AppConfig.LLMTimeout + streamWriteGrace))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.Printf("Failed to extend write deadline for chat %s: %v", chatID, err)
		}
	}
	extendDeadline()

	flusher, _ := w.(http.Flusher)
	started := false
	write := func(chunk string) error {
		extendDeadline()
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Trailer", "X-Interaction-Id")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	answer, err := h.chatService.Ask(r.Context(), chatID, userID, content, write)
	if err != nil {
		if !started {
			respondError(w, err, "Failed to post message")
			return
		}
		log.Printf("Stream for chat %s ended early: %v", chatID, err)
		return
	}
	if !started {
		// nothing was generated
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("X-Interaction-Id", answer.InteractionID)
}

func (h *APIHandler) ResetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	chatID := chi.URLParam(r, "chatID")

	if err := h.chatService.ResetHistory(r.Context(), chatID, userID); err != nil {
		respondError(w, err, "Failed to reset history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type FeedbackRequest struct {
	Negative bool `json:"negative"`
}

func (h *APIHandler) InteractionFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	interactionID := chi.URLParam(r, "interactionID")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.chatService.SetInteractionFeedback(interactionID, userID, req.Negative); err != nil {
		respondError(w, err, "Failed to set feedback")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
