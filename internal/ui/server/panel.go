package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/sebas/softphone/internal/ui/view"
)

// handlePage renders the full phone page
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	data := s.buildTemplateData(s.phone.State(), s.currentForm())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderPage(w, data); err != nil {
		s.log.Error("[UI] Failed to render page", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

// handlePhonePartial renders the phone panel partial for HTMX
func (s *Server) handlePhonePartial(w http.ResponseWriter, r *http.Request) {
	s.renderPhone(w, http.StatusOK)
}

// handleControlsPartial re-derives the button bar while the user types
func (s *Server) handleControlsPartial(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	form := mergeForm(s.currentForm(), r.PostForm)
	s.setForm(form)

	data := s.buildTemplateData(s.phone.State(), form)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderControls(w, data); err != nil {
		s.log.Error("[UI] Failed to render controls partial", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

// handleFormAction runs a phone action posted from the panel and answers
// with the refreshed panel. A disabled action yields 409.
func (s *Server) handleFormAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if !isAction(action) {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	form := mergeForm(s.currentForm(), r.PostForm)
	code := http.StatusOK
	var disabled *disabledError
	if err := s.perform(r.Context(), action, form); errors.As(err, &disabled) {
		code = http.StatusConflict
	}
	s.renderPhone(w, code)
}

func (s *Server) renderPhone(w http.ResponseWriter, code int) {
	data := s.buildTemplateData(s.phone.State(), s.currentForm())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := s.templates.RenderPhone(w, data); err != nil {
		s.log.Error("[UI] Failed to render phone partial", "error", err)
	}
}

// mergeForm overlays the posted fields onto cur. Disabled inputs are not
// posted by browsers, so absent fields keep their previous value.
func mergeForm(cur view.Form, posted url.Values) view.Form {
	if posted.Has("server") {
		cur.Server = posted.Get("server")
	}
	if posted.Has("user") {
		cur.User = posted.Get("user")
	}
	if posted.Has("password") {
		cur.Password = posted.Get("password")
	}
	if posted.Has("destination") {
		cur.Destination = posted.Get("destination")
	}
	return cur.Trimmed()
}
