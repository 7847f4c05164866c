package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fintrack/internal/auth"
	"fintrack/internal/categories"
	"fintrack/internal/docstore/memory"
	"fintrack/internal/log"
	"fintrack/internal/session"
)

func newTestServer(t *testing.T, ready map[string]ReadyFunc) *Server {
	t.Helper()
	return newTestServerWithLogger(t, ready, log.Discard())
}

func newTestServerWithLogger(t *testing.T, ready map[string]ReadyFunc, logger *log.Logger) *Server {
	t.Helper()
	docs := memory.New()
	cats := categories.NewService(categories.NewMemoryRepository(), categories.DefaultPolicy(), logger)
	mgr := session.NewManager(docs, cats, session.Config{Location: time.UTC, ViewCacheSize: 8}, 0, logger)
	srv := NewServer(":0", Deps{
		Sessions:      mgr,
		Authenticator: auth.NewTokenAuthenticator(map[string]string{"alice-token": "alice", "bob-token": "bob"}),
		Logger:        logger,
		Ready:         ready,
	})
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		mgr.Close()
		docs.Close()
	})
	return srv
}

func do(t *testing.T, srv *Server, method, path, body, sid string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid != "" {
		req.Header.Set(SessionHeader, sid)
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func signIn(t *testing.T, srv *Server, token string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("sign in status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out sessionJSON
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if out.SessionID == "" || rr.Header().Get(SessionHeader) != out.SessionID {
		t.Fatalf("unexpected session response %+v", out)
	}
	return out.SessionID
}

func decodeView(t *testing.T, rr *httptest.ResponseRecorder) viewJSON {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("view status=%d body=%s", rr.Code, rr.Body.String())
	}
	var v viewJSON
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, map[string]ReadyFunc{
		"docstore": func(context.Context) error { return nil },
	})
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := do(t, srv, http.MethodGet, path, "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
	if rr := do(t, srv, http.MethodGet, "/healthz", "", ""); rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security headers")
	}
}

func TestReadyReportsFailedDependency(t *testing.T) {
	srv := newTestServer(t, map[string]ReadyFunc{
		"broker": func(context.Context) error { return errors.New("connection refused") },
	})
	rr := do(t, srv, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "connection refused") {
		t.Fatalf("body missing failure: %s", rr.Body.String())
	}
}

func TestSignInRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("missing WWW-Authenticate")
	}

	metrics := do(t, srv, http.MethodGet, "/metrics", "", "")
	if !strings.Contains(metrics.Body.String(), "auth_failures_total 1") {
		t.Fatalf("auth failure not counted:\n%s", metrics.Body.String())
	}
}

func TestSignInSwitchesExistingSession(t *testing.T) {
	srv := newTestServer(t, nil)
	sid := signIn(t, srv, "alice-token")

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer bob-token")
	req.Header.Set(SessionHeader, sid)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if v := decodeView(t, do(t, srv, http.MethodGet, "/api/view", "", sid)); v.Identity != "bob" {
		t.Fatalf("identity=%q, want bob", v.Identity)
	}
}

func TestRoutesRequireSession(t *testing.T) {
	srv := newTestServer(t, nil)
	if rr := do(t, srv, http.MethodGet, "/api/view", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing session status=%d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/api/view", "", "no-such-session"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown session status=%d", rr.Code)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	sid := signIn(t, srv, "alice-token")

	if rr := do(t, srv, http.MethodPost, "/api/cursor", `{"date":"2024-03-15"}`, sid); rr.Code != http.StatusOK {
		t.Fatalf("cursor status=%d", rr.Code)
	}

	rr := do(t, srv, http.MethodPost, "/api/transactions",
		`{"type":"income","amount":"1000","category":"Salary","date":"2024-03-15"}`, sid)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	var created map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil || created["id"] == "" {
		t.Fatalf("create response: %v %v", created, err)
	}
	if rr := do(t, srv, http.MethodPost, "/api/transactions",
		`{"type":"expense","amount":"250.50","category":"Food","date":"2024-03-20"}`, sid); rr.Code != http.StatusCreated {
		t.Fatalf("create expense status=%d", rr.Code)
	}

	var v viewJSON
	waitFor(t, "both transactions in view", func() bool {
		v = decodeView(t, do(t, srv, http.MethodGet, "/api/view", "", sid))
		return len(v.Transactions) == 2
	})
	if v.TotalIncome != "1000.00" || v.TotalExpenses != "250.50" || v.Balance != "749.50" || v.Sign != 1 {
		t.Fatalf("unexpected totals %+v", v)
	}
	if v.Window.Kind != "month" {
		t.Fatalf("window=%s", v.Window.Kind)
	}

	day := decodeView(t, do(t, srv, http.MethodGet, "/api/view?window=day", "", sid))
	if len(day.Transactions) != 1 || day.Transactions[0].Category != "Salary" {
		t.Fatalf("day view %+v", day.Transactions)
	}

	if rr := do(t, srv, http.MethodDelete, "/api/transactions/"+created["id"], "", sid); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rr.Code)
	}
	if rr := do(t, srv, http.MethodDelete, "/api/transactions/missing", "", sid); rr.Code != http.StatusNoContent {
		t.Fatalf("delete missing status=%d", rr.Code)
	}
	waitFor(t, "deletion in view", func() bool {
		v = decodeView(t, do(t, srv, http.MethodGet, "/api/view", "", sid))
		return len(v.Transactions) == 1
	})
	if v.Balance != "-250.50" || v.Sign != -1 {
		t.Fatalf("balance after delete %s sign %d", v.Balance, v.Sign)
	}

	list := do(t, srv, http.MethodGet, "/api/transactions", "", sid)
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), `"Food"`) {
		t.Fatalf("list status=%d body=%s", list.Code, list.Body.String())
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCreateTransactionLogsOnce(t *testing.T) {
	out := &syncBuffer{}
	srv := newTestServerWithLogger(t, nil, log.New(log.Config{Output: out, Level: slog.LevelInfo}))
	sid := signIn(t, srv, "alice-token")

	rr := do(t, srv, http.MethodPost, "/api/transactions",
		`{"type":"expense","amount":"7","category":"Food","date":"2024-03-15"}`, sid)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d", rr.Code)
	}
	if n := strings.Count(out.String(), `msg="Transaction created"`); n != 1 {
		t.Fatalf("transaction created logged %d times:\n%s", n, out.String())
	}
	if !strings.Contains(out.String(), "amount=7.00") {
		t.Fatalf("amount not logged with two decimals:\n%s", out.String())
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	sid := signIn(t, srv, "alice-token")

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty body", "", http.StatusBadRequest, "bad_request"},
		{"bad type", `{"type":"transfer","amount":"1","category":"Food"}`, http.StatusUnprocessableEntity, "invalid_type"},
		{"bad amount", `{"type":"expense","amount":"abc","category":"Food"}`, http.StatusUnprocessableEntity, "invalid_amount"},
		{"zero amount", `{"type":"expense","amount":"0","category":"Food"}`, http.StatusUnprocessableEntity, "invalid_amount"},
		{"unknown category", `{"type":"expense","amount":"5","category":"Salary"}`, http.StatusUnprocessableEntity, "unknown_category"},
		{"bad date", `{"type":"expense","amount":"5","category":"Food","date":"15/03/2024"}`, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodPost, "/api/transactions", tc.body, sid)
			if rr.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tc.status, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tc.code {
				t.Fatalf("code=%s want %s", code, tc.code)
			}
		})
	}
}

func TestCreateTransactionAcceptsForm(t *testing.T) {
	srv := newTestServer(t, nil)
	sid := signIn(t, srv, "alice-token")

	form := url.Values{"type": {"expense"}, "amount": {"12.30"}, "category": {"Transport"}}
	req := httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(SessionHeader, sid)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	// Without a date the entry lands on the cursor day.
	waitFor(t, "form transaction in day view", func() bool {
		v := decodeView(t, do(t, srv, http.MethodGet, "/api/view?window=day", "", sid))
		return len(v.Transactions) == 1 && v.TotalExpenses == "12.30"
	})
}

func TestCursorNavigation(t *testing.T) {
	srv := newTestServer(t, nil)
	sid := signIn(t, srv, "alice-token")

	steps := []struct {
		body string
		want string
	}{
		{`{"date":"2024-03-31"}`, "2024-03-31"},
		{`{"unit":"month","delta":-1}`, "2024-02-29"},
		{`{"unit":"day","delta":1}`, "2024-03-01"},
		{`{"unit":"month","delta":"10"}`, "2025-01-01"},
	}
	for _, s := range steps {
		rr := do(t, srv, http.MethodPost, "/api/cursor", s.body, sid)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", s.body, rr.Code)
		}
		var c cursorJSON
		if err := json.NewDecoder(rr.Body).Decode(&c); err != nil {
			t.Fatal(err)
		}
		if c.Date != s.want {
			t.Fatalf("%s cursor=%s want %s", s.body, c.Date, s.want)
		}
	}

	for _, body := range []string{`{"unit":"year","delta":1}`, `{"unit":"day","delta":"x"}`, `{"date":"tomorrow"}`, `{}`} {
		if rr := do(t, srv, http.MethodPost, "/api/cursor", body, sid); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s status=%d", body, rr.Code)
		}
	}
	if rr := do(t, srv, http.MethodGet, "/api/view?window=year", "", sid); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad window status=%d", rr.Code)
	}
}

func TestCategoryEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	sid := signIn(t, srv, "alice-token")

	rr := do(t, srv, http.MethodGet, "/api/categories", "", sid)
	var cats categoriesJSON
	if err := json.NewDecoder(rr.Body).Decode(&cats); err != nil {
		t.Fatal(err)
	}
	if len(cats.Income) == 0 || len(cats.Expense) == 0 || len(cats.Protected) != 2 {
		t.Fatalf("unexpected categories %+v", cats)
	}

	if rr := do(t, srv, http.MethodPost, "/api/categories", `{"type":"expense","label":"Pets"}`, sid); rr.Code != http.StatusCreated {
		t.Fatalf("add status=%d body=%s", rr.Code, rr.Body.String())
	}
	checks := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodPost, "/api/categories", `{"type":"expense","label":"Pets"}`, http.StatusConflict},
		{http.MethodPost, "/api/categories", `{"type":"expense","label":"   "}`, http.StatusUnprocessableEntity},
		{http.MethodPost, "/api/categories", `{"type":"other","label":"X"}`, http.StatusUnprocessableEntity},
		{http.MethodDelete, "/api/categories/expense/Food", "", http.StatusConflict},
		{http.MethodDelete, "/api/categories/expense/Pets", "", http.StatusNoContent},
		{http.MethodDelete, "/api/categories/expense/Pets", "", http.StatusNotFound},
	}
	for _, c := range checks {
		if rr := do(t, srv, c.method, c.path, c.body, sid); rr.Code != c.status {
			t.Fatalf("%s %s %s status=%d want %d", c.method, c.path, c.body, rr.Code, c.status)
		}
	}
}

func TestSignOutClosesSession(t *testing.T) {
	srv := newTestServer(t, nil)
	sid := signIn(t, srv, "alice-token")

	if rr := do(t, srv, http.MethodDelete, "/api/session", "", sid); rr.Code != http.StatusNoContent {
		t.Fatalf("sign out status=%d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/api/view", "", sid); rr.Code != http.StatusUnauthorized {
		t.Fatalf("view after sign out status=%d", rr.Code)
	}
}

func TestWebSocketStreamsViews(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()
	sid := signIn(t, srv, "alice-token")
	do(t, srv, http.MethodPost, "/api/cursor", `{"date":"2024-03-15"}`, sid)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?session=" + url.QueryEscape(sid)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() viewJSON {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var v viewJSON
		if err := conn.ReadJSON(&v); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return v
	}

	first := read()
	if first.Identity != "alice" || first.Cursor.Date != "2024-03-15" {
		t.Fatalf("initial frame %+v", first)
	}

	if rr := do(t, srv, http.MethodPost, "/api/transactions",
		`{"type":"income","amount":"40","category":"Gifts","date":"2024-03-02"}`, sid); rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d", rr.Code)
	}
	for {
		v := read()
		if len(v.Transactions) == 1 {
			if v.Balance != "40.00" {
				t.Fatalf("balance=%s", v.Balance)
			}
			break
		}
	}

	if err := conn.WriteJSON(wsCommand{Window: "day"}); err != nil {
		t.Fatal(err)
	}
	for {
		v := read()
		if v.Window.Kind == "day" {
			if len(v.Transactions) != 0 {
				t.Fatalf("day window should exclude 2024-03-02: %+v", v.Transactions)
			}
			break
		}
	}
}

func TestWebSocketRequiresSession(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v", resp)
	}
}

func TestRateLimitAppliesToWrites(t *testing.T) {
	srv := newTestServer(t, nil)
	sid := signIn(t, srv, "alice-token")

	limited := false
	for i := 0; i < writesPerMinute+1; i++ {
		rr := do(t, srv, http.MethodPost, "/api/cursor", `{"unit":"day","delta":1}`, sid)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected rate limiting")
	}
	if rr := do(t, srv, http.MethodGet, "/api/view", "", sid); rr.Code != http.StatusOK {
		t.Fatalf("reads must not be limited, status=%d", rr.Code)
	}
}
