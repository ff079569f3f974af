package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

// handleBlobUpload streams the request body into the blob store and returns
// the assigned uuid. An empty body is a valid zero-byte blob.
func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob store not configured")
		return
	}

	id, err := s.blobs.Put(r.Context(), r.Body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uuid": id})
}

func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob store not configured")
		return
	}

	rc, err := s.blobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Msg("blob download interrupted")
	}
}

func (s *Server) handleBlobStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"blob_store_enabled": s.blobs != nil})
}
