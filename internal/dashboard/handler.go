package dashboard

import (
	"embed"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var staticFiles embed.FS

const indexFile = "index.html"

// NewHandler serves the embedded operator dashboard. Paths that do not name
// an embedded asset fall back to the index page.
func NewHandler() (http.Handler, error) {
	sub, err := fs.Sub(staticFiles, "dist")
	if err != nil {
		return nil, err
	}
	if _, err := fs.Stat(sub, indexFile); err != nil {
		return nil, err
	}
	return &pageHandler{files: sub}, nil
}

type pageHandler struct {
	files fs.FS
}

func (h *pageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = indexFile
	}

	data, err := fs.ReadFile(h.files, name)
	if err != nil {
		// Unknown asset types are real misses; anything else is a page route.
		if path.Ext(name) != "" {
			http.NotFound(w, r)
			return
		}
		name = indexFile
		if data, err = fs.ReadFile(h.files, name); err != nil {
			http.NotFound(w, r)
			return
		}
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}
