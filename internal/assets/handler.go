package assets

import (
	"bytes"
	"net/http"
)

// Handler serves the bundled scripts under /js/ from memory and everything
// else from staticDir. Either may be empty.
func Handler(staticDir string, b *Bundler) http.Handler {
	mux := http.NewServeMux()
	if b != nil {
		mux.Handle("GET /js/"+ScriptName, serveBundle(b, func(bu *Bundle) []byte { return bu.Debug }))
		mux.Handle("GET /js/"+MinScriptName, serveBundle(b, func(bu *Bundle) []byte { return bu.Min }))
	}
	if staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

func serveBundle(b *Bundler, pick func(*Bundle) []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bundle := b.Current()
		if bundle == nil {
			http.Error(w, "script not built", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, "", bundle.BuiltAt, bytes.NewReader(pick(bundle)))
	})
}
