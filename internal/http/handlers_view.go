package http

import (
	"net/http"
	"time"

	"fintrack/internal/log"
	"fintrack/internal/period"
	"fintrack/internal/session"
)

// windowKind reads ?window=, defaulting to the month window.
func windowKind(r *http.Request) (period.Kind, error) {
	v := r.URL.Query().Get("window")
	if v == "" {
		return period.MonthWindow, nil
	}
	return period.ParseKind(v)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	kind, err := windowKind(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	NewJSONResponse().Data(toViewJSON(sess.Frame(kind))).Write(w)
}

// handleCursor moves the cursor by {"unit","delta"} or to {"date"}.
func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	p := NewRequestBodyParser(w, r)
	if err := p.Parse(); err != nil {
		BadRequestError("invalid request body").Write(w)
		return
	}

	var c period.Cursor
	switch {
	case p.Has("date"):
		t, err := time.Parse("2006-01-02", p.Get("date"))
		if err != nil {
			BadRequestError("date must be YYYY-MM-DD").Write(w)
			return
		}
		c = sess.SetCursor(t.Year(), t.Month(), t.Day())
	case p.Has("unit"):
		delta, err := p.GetInt("delta")
		if err != nil {
			BadRequestError("delta must be an integer").Write(w)
			return
		}
		switch p.Get("unit") {
		case "day":
			c = sess.StepDay(delta)
		case "month":
			c = sess.StepMonth(delta)
		default:
			BadRequestError(`unit must be "day" or "month"`).Write(w)
			return
		}
	default:
		BadRequestError(`expected "date" or "unit" and "delta"`).Write(w)
		return
	}

	log.FromContext(r.Context()).DebugContext(r.Context(), "Cursor updated",
		log.FieldOperation, log.OpNavigate,
		"cursor", c.String())
	NewJSONResponse().Data(toCursorJSON(c)).Write(w)
}
