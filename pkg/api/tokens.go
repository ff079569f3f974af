package api

import (
	"errors"
	"io"
	"net/http"
)

type nodeTokenRequest struct {
	APIKey string `json:"api_key"`
}

type nodeTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	RefreshURL   string `json:"refresh_url"`
	NodeID       int    `json:"node_id"`
	// ServerURL is the address nodes on the same host should use instead
	// of the public one; empty unless configured.
	ServerURL string `json:"server_url,omitempty"`
}

// handleNodeToken exchanges a node's API key for a token pair.
func (s *Server) handleNodeToken(w http.ResponseWriter, r *http.Request) {
	var req nodeTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	node, access, refresh, err := s.mgr.AuthenticateNode(req.APIKey)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	s.logger.Info().Int("node_id", node.ID).Msg("node authenticated")
	writeJSON(w, http.StatusOK, nodeTokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		RefreshURL:   "/token/refresh",
		NodeID:       node.ID,
		ServerURL:    s.localAddress,
	})
}

type containerTokenRequest struct {
	TaskID int    `json:"task_id"`
	Image  string `json:"image"`
}

// handleContainerToken issues a scoped token for an algorithm container
// running on the authenticated node.
func (s *Server) handleContainerToken(w http.ResponseWriter, r *http.Request) {
	var req containerTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	token, err := s.mgr.IssueContainerToken(claimsFrom(r), req.TaskID, req.Image)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"container_token": token})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefreshToken trades a refresh token for a fresh access token. The
// refresh token may arrive in the body or as the bearer credential.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	token := req.RefreshToken
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusBadRequest, "refresh token missing")
		return
	}

	access, err := s.mgr.Tokens().Refresh(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}
