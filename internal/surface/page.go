package surface

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/lexiqai/avatar-console/internal/catalog"
	"github.com/lexiqai/avatar-console/internal/session"
)

const (
	pageTitle   = "Early Literacy Interview Avatar"
	gridColumns = 5
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type pageData struct {
	Title   string
	Columns int
	Entries []catalog.Entry
	Session session.Snapshot
}

// handleIndex renders the grid. Loading the page after the session closed
// starts a fresh one.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	b, _ := s.renew()

	var buf bytes.Buffer
	err := indexTemplate.Execute(&buf, pageData{
		Title:   pageTitle,
		Columns: gridColumns,
		Entries: s.catalog.Entries(),
		Session: b.Session.Snapshot(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to render control surface")
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
