package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"greenhouse-ingestor/internal/hub"
	"greenhouse-ingestor/internal/ingest"
	"greenhouse-ingestor/internal/reading"
	"greenhouse-ingestor/internal/storage"
	"greenhouse-ingestor/internal/sysstat"
)

type fakeCommander struct {
	mu   sync.Mutex
	cmds []hub.Command
	ev   hub.Event
	err  error
}

func (f *fakeCommander) Execute(_ context.Context, cmd hub.Command) (hub.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return f.ev, f.err
}

func (f *fakeCommander) last(t *testing.T) hub.Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		t.Fatalf("no command executed")
	}
	return f.cmds[len(f.cmds)-1]
}

type fakeRegistry []ingest.ConnInfo

func (f fakeRegistry) Connections() []ingest.ConnInfo { return f }

type fakeLatest struct {
	l   storage.Latest
	err error
	got string
}

func (f *fakeLatest) Get(_ context.Context, connID string) (storage.Latest, error) {
	f.got = connID
	return f.l, f.err
}

type fakeDB bool

func (f fakeDB) Connected() bool { return bool(f) }

type fakeStats struct{}

func (fakeStats) Collect() sysstat.Stats { return sysstat.Stats{Goroutines: 7} }

func newServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Commands == nil {
		deps.Commands = &fakeCommander{}
	}
	if deps.Conns == nil {
		deps.Conns = fakeRegistry{}
	}
	if deps.DB == nil {
		deps.DB = fakeDB(false)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := http.NewServeMux()
	NewAPIHandler(deps, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(CorsMiddleware("", RequestLogger(logger, mux)))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestReadingsAll(t *testing.T) {
	cmd := &fakeCommander{ev: hub.Event{Kind: hub.QueryResultReady, Success: true, Records: []reading.StoredRecord{
		{ID: 2, Reading: reading.Reading{AirTemp: 21.5}},
		{ID: 1, Reading: reading.Reading{AirTemp: 20}},
	}}}
	srv := newServer(t, Deps{Commands: cmd})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/readings", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var recs []reading.StoredRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != 2 || recs[0].AirTemp != 21.5 {
		t.Fatalf("unexpected records %+v", recs)
	}
	if got := cmd.last(t).Kind; got != hub.QueryAll {
		t.Fatalf("expected query_all, got %s", got)
	}
}

func TestReadingsEmptyIsArray(t *testing.T) {
	srv := newServer(t, Deps{Commands: &fakeCommander{ev: hub.Event{Kind: hub.QueryResultReady, Success: true}}})

	_, body := do(t, http.MethodGet, srv.URL+"/api/readings", "")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty array, got %s", body)
	}
}

func TestReadingsTimeRange(t *testing.T) {
	cmd := &fakeCommander{}
	srv := newServer(t, Deps{Commands: cmd})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/readings?from=2026-03-01T08:00:00Z&to=2026-03-01T09:00:00Z", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	got := cmd.last(t)
	if got.Kind != hub.QueryByTimeRange {
		t.Fatalf("expected time range query, got %s", got.Kind)
	}
	want := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if !got.From.Equal(want) || !got.To.Equal(want.Add(time.Hour)) {
		t.Fatalf("unexpected bounds %s - %s", got.From, got.To)
	}
}

func TestReadingsTimeRangeLocalFormat(t *testing.T) {
	cmd := &fakeCommander{}
	srv := newServer(t, Deps{Commands: cmd})

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/readings?from=2026-03-01+08:00:00&to=2026-03-01+09:30:00", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	want := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	if got := cmd.last(t).To; !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestReadingsRejectsBadParams(t *testing.T) {
	cases := map[string]string{
		"from after to": "?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z",
		"bad time":      "?from=yesterday&to=2026-03-01T00:00:00Z",
		"missing to":    "?from=2026-03-01T00:00:00Z",
		"bad min":       "?attribute=oxygen_concentration&min=low&max=3",
	}
	for name, query := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := &fakeCommander{}
			srv := newServer(t, Deps{Commands: cmd})
			resp, _ := do(t, http.MethodGet, srv.URL+"/api/readings"+query, "")
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if len(cmd.cmds) != 0 {
				t.Fatalf("no command expected, got %+v", cmd.cmds)
			}
		})
	}
}

func TestReadingsAttributeRange(t *testing.T) {
	cmd := &fakeCommander{}
	srv := newServer(t, Deps{Commands: cmd})

	do(t, http.MethodGet, srv.URL+"/api/readings?attribute=soil_moisture&min=30&max=45.5", "")
	got := cmd.last(t)
	if got.Kind != hub.QueryByAttributeRange || got.Attribute != "soil_moisture" || got.Min != 30 || got.Max != 45.5 {
		t.Fatalf("unexpected command %+v", got)
	}
}

func TestReadingsStorageErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not connected", storage.ErrNotConnected, http.StatusServiceUnavailable},
		{"invalid attribute", storage.ErrInvalidAttribute, http.StatusBadRequest},
		{"query failed", &storage.QueryError{Op: "query_all", Err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, Deps{Commands: &fakeCommander{err: tc.err}})
			resp, _ := do(t, http.MethodGet, srv.URL+"/api/readings", "")
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestInsertReading(t *testing.T) {
	cmd := &fakeCommander{}
	srv := newServer(t, Deps{Commands: cmd})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/readings", `{"air_temp":19.5,"light":300}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	got := cmd.last(t)
	if got.Kind != hub.InsertReading || got.Reading.AirTemp != 19.5 || got.Reading.Light != 300 {
		t.Fatalf("unexpected command %+v", got)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/readings", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", resp.StatusCode)
	}
}

func TestLatest(t *testing.T) {
	latest := &fakeLatest{l: storage.Latest{ConnID: "c1", Reading: reading.Reading{Oxygen: 20.9}}}
	srv := newServer(t, Deps{Latest: latest})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/readings/latest?conn_id=c1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var l storage.Latest
	if err := json.Unmarshal(body, &l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l.ConnID != "c1" || l.Reading.Oxygen != 20.9 || latest.got != "c1" {
		t.Fatalf("unexpected latest %+v (asked %q)", l, latest.got)
	}
}

func TestLatestMissingAndDisabled(t *testing.T) {
	srv := newServer(t, Deps{Latest: &fakeLatest{err: storage.ErrNoLatest}})
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/readings/latest", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	srv = newServer(t, Deps{})
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/readings/latest", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without cache, got %d", resp.StatusCode)
	}
}

func TestAttributes(t *testing.T) {
	srv := newServer(t, Deps{})

	_, body := do(t, http.MethodGet, srv.URL+"/api/attributes", "")
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(names) != len(reading.Attributes()) || names[0] != string(reading.AirTemperature) {
		t.Fatalf("unexpected attributes %v", names)
	}
}

func TestConnectionsAndHealth(t *testing.T) {
	conns := fakeRegistry{{ID: "a", Remote: "10.0.0.5:4000", State: "running"}}
	srv := newServer(t, Deps{Conns: conns, DB: fakeDB(true), Stats: fakeStats{}})

	_, body := do(t, http.MethodGet, srv.URL+"/api/connections", "")
	var infos []ingest.ConnInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		t.Fatalf("decode connections: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "a" {
		t.Fatalf("unexpected connections %+v", infos)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var h health
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !h.DBConnected || h.Connections != 1 || h.System == nil || h.System.Goroutines != 7 {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestSend(t *testing.T) {
	cmd := &fakeCommander{}
	srv := newServer(t, Deps{Commands: cmd})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/connections/send?id=abc", "PING")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	got := cmd.last(t)
	if got.Kind != hub.SendBytes || got.ConnID != "abc" || string(got.Payload) != "PING" {
		t.Fatalf("unexpected command %+v", got)
	}

	do(t, http.MethodPost, srv.URL+"/api/connections/send", "ALL")
	if got := cmd.last(t); got.ConnID != "" {
		t.Fatalf("broadcast must have empty conn id, got %q", got.ConnID)
	}

	if resp, _ := do(t, http.MethodPost, srv.URL+"/api/connections/send", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", resp.StatusCode)
	}
}

func TestSendErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ingest.ErrUnknownConnection, http.StatusNotFound},
		{ingest.ErrWorkerClosed, http.StatusConflict},
		{ingest.ErrSendQueueFull, http.StatusServiceUnavailable},
		{errors.New("broken pipe"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		srv := newServer(t, Deps{Commands: &fakeCommander{err: tc.err}})
		if resp, _ := do(t, http.MethodPost, srv.URL+"/api/connections/send?id=x", "hi"); resp.StatusCode != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, resp.StatusCode)
		}
	}
}

func TestDBConnectDisconnect(t *testing.T) {
	cmd := &fakeCommander{ev: hub.Event{Kind: hub.ConnectionStatusChanged, Connected: true, Message: "connected"}}
	srv := newServer(t, Deps{Commands: cmd})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/db/connect", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"connected":true`) {
		t.Fatalf("unexpected connect response %d %s", resp.StatusCode, body)
	}

	cmd.err = &storage.ConnectError{Err: errors.New("refused")}
	cmd.ev = hub.Event{Kind: hub.ConnectionStatusChanged, Message: "refused"}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/api/db/connect", ""); resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}

	cmd.err = nil
	do(t, http.MethodPost, srv.URL+"/api/db/disconnect", "")
	if got := cmd.last(t).Kind; got != hub.Disconnect {
		t.Fatalf("expected disconnect, got %s", got)
	}
}

func TestCorsPreflight(t *testing.T) {
	srv := newServer(t, Deps{})

	resp, _ := do(t, http.MethodOptions, srv.URL+"/api/readings", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "greenhouse_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	srv := newServer(t, Deps{Gatherer: reg})

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "greenhouse_test_total 1") {
		t.Fatalf("unexpected metrics response %d %s", resp.StatusCode, body)
	}
}
