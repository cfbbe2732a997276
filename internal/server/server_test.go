package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/lib/pq"

	"github.com/campuskb/campuskb/config"
	"github.com/campuskb/campuskb/internal/ingest"
	"github.com/campuskb/campuskb/internal/query"
	"github.com/campuskb/campuskb/internal/ratelimit"
	"github.com/campuskb/campuskb/internal/store"
)

type fakeIngestor struct {
	triggerErr  error
	bulkResults []ingest.BulkResult
	deleted     int64
	deleteErr   error
	bulkCtx     context.Context
}

func (f *fakeIngestor) Trigger(ctx context.Context, sourceID, ownerID string) error {
	return f.triggerErr
}

func (f *fakeIngestor) ReingestAll(ctx context.Context, ownerID string) ([]ingest.BulkResult, error) {
	f.bulkCtx = ctx
	return f.bulkResults, nil
}

func (f *fakeIngestor) DeleteAll(ctx context.Context, ownerID string) (int64, error) {
	f.bulkCtx = ctx
	return f.deleted, nil
}

func (f *fakeIngestor) DeleteSource(ctx context.Context, sourceID, ownerID string) error {
	return f.deleteErr
}

type fakeAnswerer struct {
	res query.Result
	err error
}

func (f *fakeAnswerer) Answer(ctx context.Context, ownerID, question string, topK int) (query.Result, error) {
	return f.res, f.err
}

func newContext(e *echo.Echo, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user_id", "owner-1")
	return c, rec
}

func errorCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestTriggerMapsOrchestratorErrors(t *testing.T) {
	e := echo.New()
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusAccepted},
		{store.ErrNotFound, http.StatusNotFound},
		{ingest.ErrInFlight, http.StatusConflict},
		{ingest.ErrQueueFull, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		h := &SourcesHandler{Ingestor: &fakeIngestor{triggerErr: tc.err}}
		c, rec := newContext(e, http.MethodPost, "/api/sources/abc/ingest", "")
		c.SetParamNames("id")
		c.SetParamValues("abc")
		err := h.trigger(c)
		if tc.err == nil {
			if err != nil {
				t.Fatalf("trigger: %v", err)
			}
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
			continue
		}
		if got := errorCode(t, err); got != tc.code {
			t.Fatalf("error %v: code = %d, want %d", tc.err, got, tc.code)
		}
	}
}

func TestCreateSourceValidation(t *testing.T) {
	e := echo.New()
	h := &SourcesHandler{}

	c, _ := newContext(e, http.MethodPost, "/api/sources", `{"origin":"not-a-url"}`)
	if got := errorCode(t, h.create(c)); got != http.StatusBadRequest {
		t.Fatalf("invalid url: code = %d", got)
	}

	c, _ = newContext(e, http.MethodPost, "/api/sources", `{"kind":"document","origin":"doc-1"}`)
	if got := errorCode(t, h.create(c)); got != http.StatusBadRequest {
		t.Fatalf("document without body: code = %d", got)
	}

	c, _ = newContext(e, http.MethodPost, "/api/sources", `{"kind":"weird","origin":"x"}`)
	if got := errorCode(t, h.create(c)); got != http.StatusBadRequest {
		t.Fatalf("bad kind: code = %d", got)
	}
}

func TestCreateSourceDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery(`INSERT INTO sources`).
		WillReturnError(&pq.Error{Code: "23505"})

	e := echo.New()
	h := &SourcesHandler{Store: &store.Store{DB: db}}
	c, _ := newContext(e, http.MethodPost, "/api/sources", `{"origin":"https://example.edu/admissions"}`)
	if got := errorCode(t, h.create(c)); got != http.StatusConflict {
		t.Fatalf("duplicate: code = %d, want 409", got)
	}
}

func TestCreateSourceSuccess(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	now := time.Now()
	mock.ExpectQuery(`INSERT INTO sources`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	e := echo.New()
	h := &SourcesHandler{Store: &store.Store{DB: db}}
	c, rec := newContext(e, http.MethodPost, "/api/sources", `{"origin":"https://example.edu/admissions","title":"Admissions"}`)
	if err := h.create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d", rec.Code)
	}
	var src store.Source
	if err := json.Unmarshal(rec.Body.Bytes(), &src); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if src.Status != store.StatusUnknown {
		t.Fatalf("status = %q, want unknown", src.Status)
	}
	if src.OwnerID != "owner-1" {
		t.Fatalf("owner = %q", src.OwnerID)
	}
}

func TestAskHandler(t *testing.T) {
	e := echo.New()
	h := &AskHandler{Engine: &fakeAnswerer{res: query.Result{
		Answer:    "June 30.",
		Matched:   true,
		Followups: []string{"What documents are required for admission?"},
	}}}

	c, rec := newContext(e, http.MethodPost, "/api/ask", `{"question":"when do admissions close?"}`)
	if err := h.ask(c); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var res query.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Answer != "June 30." || !res.Matched {
		t.Fatalf("result = %+v", res)
	}
}

func TestAskHandlerValidationError(t *testing.T) {
	e := echo.New()
	h := &AskHandler{Engine: &fakeAnswerer{err: query.ErrEmptyQuestion}}
	c, _ := newContext(e, http.MethodPost, "/api/ask", `{"question":""}`)
	if got := errorCode(t, h.ask(c)); got != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", got)
	}
}

func TestRateLimitedMiddleware(t *testing.T) {
	e := echo.New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := ratelimit.NewWithClock(func() time.Time { return now })
	rule := config.RateLimitRule{MaxRequests: 1, Window: time.Minute}

	handler := rateLimited(l, "query", rule)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	c, rec := newContext(e, http.MethodPost, "/api/ask", "")
	if err := handler(c); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("first code = %d", rec.Code)
	}

	c, rec = newContext(e, http.MethodPost, "/api/ask", "")
	err := handler(c)
	if got := errorCode(t, err); got != http.StatusTooManyRequests {
		t.Fatalf("second code = %d, want 429", got)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "60" {
		t.Fatalf("Retry-After = %q, want 60", ra)
	}
}

func TestWithAuth(t *testing.T) {
	e := echo.New()
	secret := []byte("test-secret-test-secret-test!!")
	ok := func(c echo.Context) error { return c.String(http.StatusOK, ownerID(c)) }

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if got := errorCode(t, withAuth(ok, secret)(c)); got != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", got)
	}

	// Valid token.
	tok, err := signJWT("user-42", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	if err := withAuth(ok, secret)(c); err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if rec.Body.String() != "user-42" {
		t.Fatalf("subject = %q", rec.Body.String())
	}

	// Wrong secret.
	bad, _ := signJWT("user-42", []byte("other-secret-other-secret!!!!!"), time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	if got := errorCode(t, withAuth(ok, secret)(c)); got != http.StatusUnauthorized {
		t.Fatalf("bad secret: code = %d", got)
	}
}

func TestDeleteAllHandler(t *testing.T) {
	e := echo.New()
	h := &SourcesHandler{Ingestor: &fakeIngestor{deleted: 42}}
	c, rec := newContext(e, http.MethodDelete, "/api/sources", "")
	if err := h.deleteAll(c); err != nil {
		t.Fatalf("deleteAll: %v", err)
	}
	var res BulkDeleteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.DeletedVectors != 42 {
		t.Fatalf("deleted = %d", res.DeletedVectors)
	}
}

func TestBulkOperationsOutliveRequest(t *testing.T) {
	// Bulk re-ingest and delete keep running even when the client disconnects
	// mid-request, so their contexts must not inherit the request's cancellation.
	e := echo.New()
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()

	ing := &fakeIngestor{}
	h := &SourcesHandler{Ingestor: ing}

	c, _ := newContext(e, http.MethodPost, "/api/sources/reingest-all", "")
	c.SetRequest(c.Request().WithContext(reqCtx))
	if err := h.reingestAll(c); err != nil {
		t.Fatalf("reingestAll: %v", err)
	}
	if ing.bulkCtx == nil {
		t.Fatalf("ReingestAll not called")
	}
	if err := ing.bulkCtx.Err(); err != nil {
		t.Fatalf("reingest context cancelled with request: %v", err)
	}

	ing.bulkCtx = nil
	c, _ = newContext(e, http.MethodDelete, "/api/sources", "")
	c.SetRequest(c.Request().WithContext(reqCtx))
	if err := h.deleteAll(c); err != nil {
		t.Fatalf("deleteAll: %v", err)
	}
	if ing.bulkCtx == nil {
		t.Fatalf("DeleteAll not called")
	}
	if err := ing.bulkCtx.Err(); err != nil {
		t.Fatalf("delete context cancelled with request: %v", err)
	}
}

func TestReingestAllHandler(t *testing.T) {
	e := echo.New()
	h := &SourcesHandler{Ingestor: &fakeIngestor{bulkResults: []ingest.BulkResult{
		{SourceID: "a", Origin: "https://example.edu/a", Status: store.StatusActive},
		{SourceID: "b", Origin: "https://example.edu/b", Status: store.StatusError, Error: "server returned 503"},
	}}}
	c, rec := newContext(e, http.MethodPost, "/api/sources/reingest-all", "")
	if err := h.reingestAll(c); err != nil {
		t.Fatalf("reingestAll: %v", err)
	}
	var res struct {
		Results []ingest.BulkResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results = %d", len(res.Results))
	}
	if res.Results[1].Error == "" {
		t.Fatalf("expected per-source error to be reported")
	}
}
