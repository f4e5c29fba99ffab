package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"lancanvas/services"
)

type UploadHandler struct {
	uploads      *services.UploadStore
	maxSizeBytes int64
}

func NewUploadHandler(uploads *services.UploadStore, maxSizeBytes int64) *UploadHandler {
	return &UploadHandler{
		uploads:      uploads,
		maxSizeBytes: maxSizeBytes,
	}
}

// Upload accepts a multipart body with a "file" field, stores it under a
// collision-free name and returns the serving path the client will use as
// item content.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSizeBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondWithError(w, http.StatusBadRequest, "File upload error: file too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "No file uploaded.")
		return
	}
	defer file.Close()

	stored, err := h.uploads.Store(file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		log.Printf("Upload failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "An unexpected error occurred during upload.")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"message":      "File uploaded successfully",
		"filename":     stored.Filename,
		"originalname": stored.OriginalName,
		"mimetype":     stored.Mimetype,
		"path":         stored.Path,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
