package httpserver

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"syscall"
)

// staticHandler serves files below root. Directories are answered with the
// first index file present; there is no directory listing.
type staticHandler struct {
	root  string
	index []string
}

func newStaticHandler(root string, index []string) *staticHandler {
	return &staticHandler{root: root, index: index}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// Cleaning a rooted path removes every "..".
	rel := path.Clean("/" + r.URL.Path)
	name := filepath.Join(h.root, filepath.FromSlash(rel))

	f, info, err := h.open(name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if info.IsDir() {
		_ = f.Close()
		f, info, err = h.openIndex(name)
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	defer f.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

var errNoIndex = errors.New("directory has no index file")

func (h *staticHandler) open(name string) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

func (h *staticHandler) openIndex(dir string) (*os.File, fs.FileInfo, error) {
	for _, idx := range h.index {
		f, info, err := h.open(filepath.Join(dir, idx))
		if err != nil {
			continue
		}
		if info.IsDir() {
			_ = f.Close()
			continue
		}
		return f, info, nil
	}
	return nil, nil, errNoIndex
}

func (h *staticHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errNoIndex), errors.Is(err, fs.ErrPermission):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		http.NotFound(w, r)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
