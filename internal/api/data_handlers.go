package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const maxUploadSize = 64 << 20

func (h *APIHandler) ReferencesHandler(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "Query parameter q is required", http.StatusBadRequest)
		return
	}

	k := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Query parameter k must be a non-negative integer", http.StatusBadRequest)
			return
		}
		k = n
	}

	refs, err := h.ragService.References(r.Context(), q, k)
	if err != nil {
		respondError(w, err, "Failed to search references")
		return
	}
	respondJSON(w, http.StatusOK, refs)
}

func (h *APIHandler) ListPromptsHandler(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.promptService.List()
	if err != nil {
		respondError(w, err, "Failed to list prompts")
		return
	}
	respondJSON(w, http.StatusOK, prompts)
}

type UpdatePromptRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) UpdatePromptHandler(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")

	var req UpdatePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	prompt, err := h.promptService.Update(role, req.Content)
	if err != nil {
		respondError(w, err, "Failed to update prompt")
		return
	}
	respondJSON(w, http.StatusOK, prompt)
}

// UploadHandler accepts a CSV file in the multipart field "file" and queues it.
func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "Invalid upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Multipart field file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	upload, err := h.ingestService.Submit(userIDFrom(r), header.Filename, file)
	if err != nil {
		respondError(w, err, "Failed to accept upload")
		return
	}
	respondJSON(w, http.StatusAccepted, upload)
}

func (h *APIHandler) ListUploadsHandler(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.ingestService.ListUploads()
	if err != nil {
		respondError(w, err, "Failed to list uploads")
		return
	}
	respondJSON(w, http.StatusOK, uploads)
}

func (h *APIHandler) GetUploadHandler(w http.ResponseWriter, r *http.Request) {
	upload, err := h.ingestService.GetUpload(chi.URLParam(r, "uploadID"))
	if err != nil {
		respondError(w, err, "Failed to get upload")
		return
	}
	respondJSON(w, http.StatusOK, upload)
}

func (h *APIHandler) ListIndexesHandler(w http.ResponseWriter, r *http.Request) {
	indexes, err := h.ingestService.ListIndexes(r.Context())
	if err != nil {
		log.Printf("Error listing indexes: %v", err)
		http.Error(w, "Vector store unavailable", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, indexes)
}

func (h *APIHandler) MakeIndexCurrentHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.ingestService.MakeCurrent(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondError(w, err, "Failed to make index current")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DropIndexHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.ingestService.DropIndex(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondError(w, err, "Failed to drop index")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
