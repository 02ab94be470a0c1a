package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hapiq/internal/api/mocks"
	"github.com/mattjoyce/hapiq/internal/auth"
	"github.com/mattjoyce/hapiq/internal/dispatch"
	"github.com/mattjoyce/hapiq/internal/events"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

func newTestServer(t *testing.T, d Dispatcher, cfg Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(cfg, d, events.NewHub(32), logger)
}

func do(t *testing.T, s *Server, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) JobResponse {
	t.Helper()
	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHealthz(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	s := newTestServer(t, d, Config{})

	d.EXPECT().Stats().Return(dispatch.Stats{State: "running", Session: "abc", Parked: 2})
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "abc", resp.Dispatcher.Session)
	assert.Equal(t, 2, resp.Dispatcher.Parked)

	d.EXPECT().Stats().Return(dispatch.Stats{State: "stopped"})
	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitWaitsForResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	s := newTestServer(t, d, Config{})

	d.EXPECT().
		Run(gomock.Any(), protocol.WorkTableNames, protocol.Args{"x": 1.0}).
		Return(protocol.NewOK(7, []byte(`{"tables":["co2","h2o"]}`)), nil)

	rec := do(t, s, http.MethodPost, "/work/TABLE_NAMES", `{"x":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJob(t, rec)
	assert.Equal(t, int64(7), resp.JobID)
	assert.Equal(t, protocol.WorkTableNames, resp.WorkType)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.JSONEq(t, `{"tables":["co2","h2o"]}`, string(resp.Value))
}

func TestSubmitWithPath(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	s := newTestServer(t, d, Config{})

	d.EXPECT().Run(gomock.Any(), protocol.WorkTableNames, protocol.Args{}).
		Return(protocol.NewOK(1, []byte(`{"tables":["co2","h2o"]}`)), nil).Times(2)

	rec := do(t, s, http.MethodPost, "/work/TABLE_NAMES?path=$.tables[1]", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"h2o"`, string(decodeJob(t, rec).Value))

	rec = do(t, s, http.MethodPost, "/work/TABLE_NAMES?path=$.nothing", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	s := newTestServer(t, d, Config{MaxWait: time.Second})

	rec := do(t, s, http.MethodPost, "/work/NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/work/ECHO", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/work/ECHO?wait=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/work/ECHO?timeout=-1s", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/work/ECHO?wait=false&path=$.x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	d.EXPECT().Run(gomock.Any(), protocol.WorkFetch, gomock.Any()).
		Return(protocol.NewFailure(3, protocol.ErrorHandler, "numax must be above numin"), nil)
	rec = do(t, s, http.MethodPost, "/work/FETCH", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeJob(t, rec)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.ErrorHandler, resp.ErrorKind)

	d.EXPECT().Run(gomock.Any(), protocol.WorkEcho, gomock.Any()).
		Return(protocol.NewFailure(4, protocol.ErrorUnavailable, "worker exited"), nil)
	rec = do(t, s, http.MethodPost, "/work/ECHO", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	d.EXPECT().Run(gomock.Any(), protocol.WorkEcho, gomock.Any()).Return(protocol.Result{}, dispatch.ErrNotRunning)
	rec = do(t, s, http.MethodPost, "/work/ECHO", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitTimeoutIsCappedByMaxWait(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	s := newTestServer(t, d, Config{MaxWait: 50 * time.Millisecond})

	d.EXPECT().Run(gomock.Any(), protocol.WorkTransmittance, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ protocol.WorkType, _ protocol.Args) (protocol.Result, error) {
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 40*time.Millisecond)
			<-ctx.Done()
			return protocol.Result{}, ctx.Err()
		})

	rec := do(t, s, http.MethodPost, "/work/TRANSMITTANCE?timeout=1h", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestDetachedSubmitAndClaim(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	s := newTestServer(t, d, Config{})

	d.EXPECT().SubmitDetached(protocol.WorkFetch, protocol.Args{"table_name": "co2"}).Return(int64(12), nil)
	rec := do(t, s, http.MethodPost, "/work/FETCH?wait=false", `{"table_name":"co2"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeJob(t, rec)
	assert.Equal(t, int64(12), resp.JobID)
	assert.Equal(t, StatusRunning, resp.Status)

	gomock.InOrder(
		d.EXPECT().Claim(int64(12)).Return(protocol.Result{}, false),
		d.EXPECT().JobState(int64(12)).Return(dispatch.JobRunning),
		d.EXPECT().Claim(int64(12)).Return(protocol.NewOK(12, []byte(`{"table_name":"co2","lines":3}`)), true),
		d.EXPECT().Claim(int64(12)).Return(protocol.Result{}, false),
		d.EXPECT().JobState(int64(12)).Return(dispatch.JobUnknown),
	)

	rec = do(t, s, http.MethodGet, "/jobs/12", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodGet, "/jobs/12?path=lines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `3`, string(decodeJob(t, rec).Value))

	rec = do(t, s, http.MethodGet, "/jobs/12", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobEdgeCases(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	s := newTestServer(t, d, Config{})

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/jobs/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/jobs/0", "").Code)

	d.EXPECT().Claim(int64(5)).Return(protocol.Result{}, false)
	d.EXPECT().JobState(int64(5)).Return(dispatch.JobWaiting)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodGet, "/jobs/5", "").Code)

	d.EXPECT().Claim(int64(6)).Return(protocol.NewFailure(6, protocol.ErrorPanic, "boom"), true)
	rec := do(t, s, http.MethodGet, "/jobs/6", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "boom", decodeJob(t, rec).Error)
}

func TestTokenScopes(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockDispatcher(ctrl)
	s := newTestServer(t, d, Config{Tokens: []auth.TokenConfig{
		{Token: "reader", Scopes: []string{auth.ScopeJobsRead}},
		{Token: "writer", Scopes: []string{auth.ScopeJobsRW}},
	}})

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/work", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/work", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/work", "", "Authorization", "Bearer reader").Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodPost, "/work/ECHO", "", "Authorization", "Bearer reader").Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/events", "", "Authorization", "Bearer writer").Code)

	d.EXPECT().Run(gomock.Any(), protocol.WorkEcho, gomock.Any()).Return(protocol.NewOK(1, []byte(`{}`)), nil)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/work/ECHO", "", "Authorization", "Bearer writer").Code)

	// healthz and the OpenAPI document stay open.
	d.EXPECT().Stats().Return(dispatch.Stats{State: "running"})
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/openapi.json", "").Code)
}

func TestListWorkTypesAndOpenAPI(t *testing.T) {
	s := newTestServer(t, mocks.NewMockDispatcher(gomock.NewController(t)), Config{})

	rec := do(t, s, http.MethodGet, "/work", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var wt WorkTypesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wt))
	assert.ElementsMatch(t, protocol.WorkTypes(), wt.WorkTypes)

	rec = do(t, s, http.MethodGet, "/openapi.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.1.0", doc.OpenAPI)
	for _, w := range protocol.WorkTypes() {
		assert.Contains(t, doc.Paths, "/work/"+string(w))
	}
	assert.Contains(t, doc.Paths["/jobs/{jobID}"], "get")
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := New(Config{}, mocks.NewMockDispatcher(gomock.NewController(t)), hub, logger)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	hub.Publish(events.EngineStarted, map[string]any{"session": "s1"})
	hub.Publish(events.JobSubmitted, map[string]any{"job_id": 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?since=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		hub.Publish(events.JobCompleted, map[string]any{"job_id": 1})
	}()

	var seen []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(seen) < 2 {
		if typ, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			seen = append(seen, typ)
		}
	}
	assert.Equal(t, []string{events.JobSubmitted, events.JobCompleted}, seen)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
