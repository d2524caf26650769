// Package static serves files for configured path-prefix mounts. It only
// ever reads from the mount directory; a path that would resolve outside
// it is rejected before any file access.
package static

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Serve writes the file at rel (the request path below the mount prefix)
// from dir. Traversal out of dir gets 403, a missing file 404. Directories
// fall back to their index.html or 404; no listings.
func Serve(w http.ResponseWriter, r *http.Request, dir, rel string) {
	// After Clean, any escaping ".." segment surfaces at the front.
	p := path.Clean(rel)
	if p == ".." || strings.HasPrefix(p, "../") {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+p)))
	fi, err := os.Stat(name)
	if err != nil {
		statError(w, r, err)
		return
	}
	if fi.IsDir() {
		name = filepath.Join(name, "index.html")
		if fi, err = os.Stat(name); err != nil {
			statError(w, r, err)
			return
		}
	}

	f, err := os.Open(name)
	if err != nil {
		statError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	// ServeContent rather than ServeFile: the latter re-checks r.URL.Path
	// for "..", and containment is already enforced on our side.
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func statError(w http.ResponseWriter, r *http.Request, err error) {
	if os.IsPermission(err) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	http.NotFound(w, r)
}
