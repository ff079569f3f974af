package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vantage6/vantage6/pkg/types"
)

type columnReport struct {
	Columns []types.DataframeColumn `json:"columns"`
}

// handleReportColumns stores one node's column schema on a dataframe after
// a session-modifying step materialized it there.
func (s *Server) handleReportColumns(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	vars := mux.Vars(r)
	sessionID, _ := strconv.Atoi(vars["sid"])
	handle := vars["handle"]

	sess, err := s.mgr.Store().GetSession(sessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if sess.CollaborationID != claims.CollaborationID {
		writeError(w, http.StatusUnauthorized, "session belongs to another collaboration")
		return
	}

	var req columnReport
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	df, err := s.mgr.SetDataframeColumns(sessionID, handle, claims.NodeID, req.Columns)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, df)
}
