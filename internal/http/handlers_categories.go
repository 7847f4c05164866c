package http

import (
	"net/http"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/session"
	"fintrack/internal/store"
)

var errNotSignedIn = store.ErrNotSignedIn

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	set, err := sess.Categories(r.Context())
	if err != nil {
		s.writeWriteError(w, r, err, log.OpList)
		return
	}
	NewJSONResponse().Data(categoriesJSON{
		Income:    nonNil(set.Income),
		Expense:   nonNil(set.Expense),
		Protected: nonNil(s.sessions.Categories().Policy().Labels()),
	}).Write(w)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	p := NewRequestBodyParser(w, r)
	if err := p.Parse(); err != nil {
		BadRequestError("invalid request body").Write(w)
		return
	}
	t, err := core.ParseTransactionType(p.Get("type"))
	if err != nil {
		DomainError(err).Write(w)
		return
	}
	label := p.Get("label")
	if err := sess.AddCategory(r.Context(), t, label); err != nil {
		s.writeWriteError(w, r, err, log.OpCreate)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Data(map[string]string{"type": t.String(), "label": label}).
		Write(w)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	t, err := core.ParseTransactionType(r.PathValue("type"))
	if err != nil {
		DomainError(err).Write(w)
		return
	}
	if err := sess.DeleteCategory(r.Context(), t, sanitizeInput(r.PathValue("label"))); err != nil {
		s.writeWriteError(w, r, err, log.OpDelete)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
