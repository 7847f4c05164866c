package http

import (
	"net/http"
	"sync/atomic"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/session"
)

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	snap := sess.Store().Snapshot()
	if snap.Identity == "" {
		DomainError(errNotSignedIn).Write(w)
		return
	}
	NewJSONResponse().Data(map[string]interface{}{
		"loading":      snap.Loading,
		"transactions": toTransactionsJSON(snap.Transactions),
	}).Write(w)
}

// handleCreateTransaction validates the entry and forwards it to the
// document store. The new transaction shows up in views once the live feed
// delivers it.
func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	ctx := r.Context()
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
	amount, err := core.ParseAmount(p.Get("amount"))
	if err != nil {
		DomainError(err).Write(w)
		return
	}
	entry := core.Entry{
		Type:     t,
		Amount:   amount,
		Category: p.Get("category"),
	}
	loc := sess.Deriver().Location()
	if raw := p.Get("date"); raw != "" {
		date, err := parseEntryDate(raw, loc)
		if err != nil {
			BadRequestError("date must be YYYY-MM-DD or RFC 3339").Write(w)
			return
		}
		entry.Date = date
	} else {
		entry.Date = sess.Cursor().Date(loc)
	}

	id, err := sess.AddTransaction(ctx, entry)
	if err != nil {
		s.writeWriteError(w, r, err, log.OpCreate)
		return
	}
	atomic.AddInt64(&s.appMetrics.transactionsCreated, 1)

	NewJSONResponse().
		Status(http.StatusCreated).
		Data(map[string]string{"id": id}).
		Write(w)
}

// handleDeleteTransaction asks the document store to remove the id. Deleting
// an unknown id succeeds.
func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	id := sanitizeInput(r.PathValue("id"))
	if id == "" {
		BadRequestError("missing transaction id").Write(w)
		return
	}
	if err := sess.DeleteTransaction(r.Context(), id); err != nil {
		s.writeWriteError(w, r, err, log.OpDelete)
		return
	}
	atomic.AddInt64(&s.appMetrics.transactionsDeleted, 1)
	log.FromContext(r.Context()).InfoContext(r.Context(), "Transaction deleted",
		log.FieldOperation, log.OpDelete,
		log.FieldTxID, id)
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

// writeWriteError answers a failed write and logs failures that are not the
// caller's fault.
func (s *Server) writeWriteError(w http.ResponseWriter, r *http.Request, err error, op string) {
	resp := DomainError(err)
	if resp.statusCode >= http.StatusInternalServerError {
		s.structured.LogError(r.Context(), "Document store write failed", err, log.ComponentStore, op, nil)
	}
	resp.Write(w)
}
