package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wwwzhouhui/seedance2.0/internal/middleware"
)

func (a *App) TaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	view, err := a.Jobs.PollJob(id, middleware.LocaleFromContext(r.Context()))
	if err != nil {
		a.error(w, r, err)
		return
	}
	a.json(w, http.StatusOK, view)
}
