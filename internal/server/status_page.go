package server

import (
	_ "embed"
	"net/http"
)

//go:embed status.html
var statusHTML []byte

// StatusHandler serves the embedded page listing connected contexts.
func StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(statusHTML)
	}
}
