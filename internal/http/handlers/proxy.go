package handlers

import (
	"net/http"
)

// VideoProxy streams the CDN video named by ?url= so browsers can play it
// without cross-origin restrictions.
func (a *App) VideoProxy(w http.ResponseWriter, r *http.Request) {
	if err := a.Streamer.Serve(w, r, r.URL.Query().Get("url")); err != nil {
		a.error(w, r, err)
	}
}
