package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	types "github.com/sebas/softphone/api/types/v1"
	"github.com/sebas/softphone/internal/phone"
	"github.com/sebas/softphone/internal/ui/view"
)

// handleAPIStatus returns the current status snapshot
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(s.phone.State()))
}

// handleAPIAction runs a phone action and returns the resulting status
func (s *Server) handleAPIAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if !isAction(action) {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "unknown action " + action})
		return
	}

	form := s.currentForm()
	switch action {
	case view.ActionConnect:
		var req types.ConnectRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
			return
		}
		form.Server, form.User, form.Password = req.Server, req.User, req.Password
	case view.ActionCall:
		var req types.CallRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
			return
		}
		form.Destination = req.Destination
	}

	err := s.perform(r.Context(), action, form.Trimmed())
	status := s.status(s.phone.State())
	if err != nil {
		writeJSON(w, apiStatusCode(err), types.ErrorResponse{Error: err.Error(), Status: &status})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func apiStatusCode(err error) int {
	var disabled *disabledError
	var opErr *phone.OperationError
	switch {
	case errors.As(err, &disabled), errors.Is(err, phone.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, phone.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &opErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) status(st phone.State) types.StatusResponse {
	c := view.Derive(st, s.currentForm())
	return types.StatusResponse{
		Connection: st.Connection.String(),
		Call:       st.Call.String(),
		Label:      view.StatusLabel(st),
		Error:      st.Error,
		Controls: types.Controls{
			Connect:    c.Connect,
			Disconnect: c.Disconnect,
			Reset:      c.Reset,
			Call:       c.Call,
			Answer:     c.Answer,
			Hangup:     c.Hangup,
		},
	}
}
