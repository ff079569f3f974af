package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

)

// handleGetCollaboration serves a collaboration record to its own members;
// nodes read the encrypted flag off it at boot.
func (s *Server) handleGetCollaboration(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	if claims.CollaborationID != id {
		writeError(w, http.StatusUnauthorized, "cannot read another collaboration")
		return
	}

	collab, err := s.mgr.Store().GetCollaboration(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collab)
}

// handleGetOrganization serves an organization record, chiefly so nodes and
// containers can fetch public keys for result encryption.
func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	org, err := s.mgr.Store().GetOrganization(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

type organizationPatch struct {
	PublicKey string `json:"public_key"`
}

// handlePatchOrganization rotates an organization's public key. Only a node
// of that organization may do so.
func (s *Server) handlePatchOrganization(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	if claims.OrganizationID != id {
		writeError(w, http.StatusUnauthorized, "cannot update another organization")
		return
	}

	var req organizationPatch
	if err := decodeBody(r, &req); err != nil || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "public_key is required")
		return
	}

	org, err := s.mgr.Store().GetOrganization(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	org.PublicKey = req.PublicKey
	if err := s.mgr.UpdateOrganization(org); err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info().Int("organization_id", id).Msg("public key rotated")
	writeJSON(w, http.StatusOK, org)
}

// handleGetNode is node self-introspection; a node can only read itself.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	if claims.NodeID != id {
		writeError(w, http.StatusUnauthorized, "cannot read another node")
		return
	}

	node, err := s.mgr.Store().GetNode(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	node.APIKey = ""
	writeJSON(w, http.StatusOK, node)
}

type nodePatch struct {
	Config map[string]string `json:"config"`
}

// handlePatchNode lets a node publish its configuration shares (database
// labels, policy hashes) at boot.
func (s *Server) handlePatchNode(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	if claims.NodeID != id {
		writeError(w, http.StatusUnauthorized, "cannot update another node")
		return
	}

	var req nodePatch
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	node, err := s.mgr.Store().GetNode(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.Config != nil {
		node.Config = req.Config
	}
	if err := s.mgr.UpdateNode(node); err != nil {
		s.fail(w, err)
		return
	}
	node.APIKey = ""
	writeJSON(w, http.StatusOK, node)
}
