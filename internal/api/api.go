// Package api je HTTP rozhraní pro prezentační vrstvu (dashboard, skripty).
// Dotazy a příkazy jdou přes dispatcher synchronně, takže volající dostane
// výsledek přímo v odpovědi a zároveň odejde i událost do hubu.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"greenhouse-ingestor/internal/hub"
	"greenhouse-ingestor/internal/ingest"
	"greenhouse-ingestor/internal/reading"
	"greenhouse-ingestor/internal/storage"
	"greenhouse-ingestor/internal/sysstat"
)

// Commander provádí příkazy (dispatch.Dispatcher).
type Commander interface {
	Execute(ctx context.Context, cmd hub.Command) (hub.Event, error)
}

// Registry vrací živá spojení (ingest.Listener).
type Registry interface {
	Connections() []ingest.ConnInfo
}

// LatestReader čte poslední měření (storage.LatestCache).
type LatestReader interface {
	Get(ctx context.Context, connID string) (storage.Latest, error)
}

type DBStatus interface {
	Connected() bool
}

type StatsSource interface {
	Collect() sysstat.Stats
}

// Deps jsou závislosti handleru. Latest, Stats a Gatherer mohou být nil.
type Deps struct {
	Commands Commander
	Conns    Registry
	DB       DBStatus
	Latest   LatestReader
	Stats    StatsSource
	Gatherer prometheus.Gatherer
}

// maxSendBytes omezuje tělo POST /api/connections/send.
const maxSendBytes = 64 << 10

type APIHandler struct {
	deps   Deps
	logger *slog.Logger
}

func NewAPIHandler(deps Deps, logger *slog.Logger) *APIHandler {
	return &APIHandler{deps: deps, logger: logger}
}

// RegisterRoutes mapuje cesty (Go 1.22 router s metodami).
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/readings", h.handleReadings)
	mux.HandleFunc("POST /api/readings", h.handleInsert)
	mux.HandleFunc("GET /api/readings/latest", h.handleLatest)
	mux.HandleFunc("GET /api/attributes", h.handleAttributes)

	mux.HandleFunc("GET /api/connections", h.handleConnections)
	mux.HandleFunc("POST /api/connections/send", h.handleSend)

	mux.HandleFunc("POST /api/db/connect", h.handleDBConnect)
	mux.HandleFunc("POST /api/db/disconnect", h.handleDBDisconnect)

	mux.HandleFunc("GET /health", h.handleHealth)
	if h.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

// handleReadings: GET /api/readings
//
//	bez parametrů             -> všechny záznamy
//	?from=...&to=...          -> časový rozsah (RFC3339 nebo "2006-01-02 15:04:05")
//	?attribute=...&min=&max=  -> rozsah jednoho atributu
func (h *APIHandler) handleReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmd := hub.Command{Kind: hub.QueryAll}

	switch {
	case q.Has("attribute"):
		lo, errLo := strconv.ParseFloat(q.Get("min"), 64)
		hi, errHi := strconv.ParseFloat(q.Get("max"), 64)
		if errLo != nil || errHi != nil {
			writeError(w, http.StatusBadRequest, "min a max musí být čísla")
			return
		}
		cmd = hub.Command{Kind: hub.QueryByAttributeRange, Attribute: q.Get("attribute"), Min: lo, Max: hi}

	case q.Has("from") || q.Has("to"):
		from, errFrom := parseTime(q.Get("from"))
		to, errTo := parseTime(q.Get("to"))
		if errFrom != nil || errTo != nil {
			writeError(w, http.StatusBadRequest, "from a to musí být čas (RFC3339 nebo 2006-01-02 15:04:05)")
			return
		}
		// Gateway pořadí nekontroluje, kontrola patří sem.
		if from.After(to) {
			writeError(w, http.StatusBadRequest, "from je po to")
			return
		}
		cmd = hub.Command{Kind: hub.QueryByTimeRange, From: from, To: to}
	}

	ev, err := h.deps.Commands.Execute(r.Context(), cmd)
	if err != nil {
		h.writeStorageError(w, cmd.Kind, err)
		return
	}
	records := ev.Records
	if records == nil {
		records = []reading.StoredRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleInsert: POST /api/readings s JSON měřením v těle.
func (h *APIHandler) handleInsert(w http.ResponseWriter, r *http.Request) {
	var rd reading.Reading
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSendBytes)).Decode(&rd); err != nil {
		writeError(w, http.StatusBadRequest, "neplatný JSON měření")
		return
	}
	if _, err := h.deps.Commands.Execute(r.Context(), hub.Command{Kind: hub.InsertReading, Reading: rd}); err != nil {
		h.writeStorageError(w, hub.InsertReading, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleLatest: GET /api/readings/latest[?conn_id=...]
func (h *APIHandler) handleLatest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Latest == nil {
		writeError(w, http.StatusServiceUnavailable, "cache posledního měření je vypnutá")
		return
	}
	l, err := h.deps.Latest.Get(r.Context(), r.URL.Query().Get("conn_id"))
	if errors.Is(err, storage.ErrNoLatest) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Chyba při čtení posledního měření", "error", err)
		writeError(w, http.StatusInternalServerError, "Interní chyba serveru")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *APIHandler) handleAttributes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, reading.Attributes())
}

func (h *APIHandler) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Conns.Connections())
}

// handleSend: POST /api/connections/send[?id=...], tělo se pošle beze změny.
// Bez id jde zpráva všem zařízením.
func (h *APIHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxSendBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "tělo nejde přečíst")
		return
	}
	if len(payload) == 0 || len(payload) > maxSendBytes {
		writeError(w, http.StatusBadRequest, "tělo musí mít 1 až 65536 bajtů")
		return
	}

	cmd := hub.Command{Kind: hub.SendBytes, ConnID: r.URL.Query().Get("id"), Payload: payload}
	if _, err := h.deps.Commands.Execute(r.Context(), cmd); err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnknownConnection):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ingest.ErrWorkerClosed):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ingest.ErrSendQueueFull):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Warn("Odeslání do zařízení selhalo", "id", cmd.ConnID, "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type dbStatus struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
}

func (h *APIHandler) handleDBConnect(w http.ResponseWriter, r *http.Request) {
	ev, err := h.deps.Commands.Execute(r.Context(), hub.Command{Kind: hub.Connect})
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, dbStatus{Connected: ev.Connected, Message: ev.Message})
}

func (h *APIHandler) handleDBDisconnect(w http.ResponseWriter, r *http.Request) {
	ev, _ := h.deps.Commands.Execute(r.Context(), hub.Command{Kind: hub.Disconnect})
	writeJSON(w, http.StatusOK, dbStatus{Connected: false, Message: ev.Message})
}

type health struct {
	Status      string         `json:"status"`
	DBConnected bool           `json:"db_connected"`
	Connections int            `json:"connections"`
	System      *sysstat.Stats `json:"system,omitempty"`
}

// handleHealth vrací 200 i bez databáze: ingest běží dál a DB lze připojit později.
func (h *APIHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := health{
		Status:      "ok",
		DBConnected: h.deps.DB.Connected(),
		Connections: len(h.deps.Conns.Connections()),
	}
	if h.deps.Stats != nil {
		s := h.deps.Stats.Collect()
		resp.System = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) writeStorageError(w http.ResponseWriter, kind hub.CommandKind, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidAttribute):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Chyba databáze", "command", kind.String(), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
