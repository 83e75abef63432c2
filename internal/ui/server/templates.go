package server

import (
	"embed"
	"html/template"
	"io"
	"time"

	"github.com/sebas/softphone/internal/phone"
	"github.com/sebas/softphone/internal/ui/view"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Templates holds all parsed templates
type Templates struct {
	set *template.Template
}

// TemplateData holds data for rendering templates
type TemplateData struct {
	Title      string
	Health     HealthData
	Label      string
	Connection string
	Call       string
	Error      string
	Form       view.Form
	Controls   view.Controls
}

// HealthData holds health information
type HealthData struct {
	Status string
	Uptime string
}

// NewTemplates parses and returns all templates
func NewTemplates() (*Templates, error) {
	set, err := template.New("softphone").ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Templates{set: set}, nil
}

// RenderPage renders the full page
func (t *Templates) RenderPage(w io.Writer, data TemplateData) error {
	return t.set.ExecuteTemplate(w, "page.html", data)
}

// RenderPhone renders the phone panel partial
func (t *Templates) RenderPhone(w io.Writer, data TemplateData) error {
	return t.set.ExecuteTemplate(w, "phone.html", data)
}

// RenderControls renders the button bar partial
func (t *Templates) RenderControls(w io.Writer, data TemplateData) error {
	return t.set.ExecuteTemplate(w, "controls", data)
}

func (s *Server) buildTemplateData(st phone.State, form view.Form) TemplateData {
	return TemplateData{
		Title: "Softphone",
		Health: HealthData{
			Status: "ok",
			Uptime: formatUptime(time.Since(s.startTime)),
		},
		Label:      view.StatusLabel(st),
		Connection: st.Connection.String(),
		Call:       st.Call.String(),
		Error:      st.Error,
		Form:       form,
		Controls:   view.Derive(st, form),
	}
}
