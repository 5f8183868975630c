// Package storage je jediný vlastník databázového spojení.
//
// Gateway drží jeden handle (pool o velikosti 1) a každá veřejná operace
// běží celá pod jedním zámkem: kontrola stavu i samotný SQL příkaz.
// Nikdy tedy neběží víc než jeden příkaz najednou.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"greenhouse-ingestor/internal/hub"
	"greenhouse-ingestor/internal/metrics"
	"greenhouse-ingestor/internal/reading"
)

var (
	ErrNotConnected     = errors.New("databáze není připojena")
	ErrInvalidAttribute = errors.New("neplatný atribut")
)

// ConnectError: otevření spojení selhalo, handle byl zahozen.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "připojení k DB selhalo: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// QueryError nese název operace a původní chybu.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *QueryError) Unwrap() error { return e.Err }

// DB je podmnožina pgxpool.Pool, kterou Gateway používá.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Opener otevře nový handle. Volá se jen pod zámkem Gateway.
type Opener func(ctx context.Context) (DB, error)

// PoolOpener otevírá pgxpool omezený na jedno fyzické spojení.
func PoolOpener(url string) Opener {
	return func(ctx context.Context) (DB, error) {
		cfg, err := pgxpool.ParseConfig(url)
		if err != nil {
			return nil, fmt.Errorf("chyba konfigurace DB: %w", err)
		}
		cfg.MaxConns = 1
		cfg.MinConns = 0
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
}

// Formát časové značky: sekundová přesnost, místní čas serveru.
const timeLayout = "2006-01-02 15:04:05"

const (
	selectColumns = `entry_id, collect_time, air_temp, air_humidity, oxygen_content, soil_temp, soil_humidity, light_intensity`

	insertSQL = `INSERT INTO greenhouse_data (collect_time, air_temp, air_humidity, oxygen_content, soil_temp, soil_humidity, light_intensity) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	queryAllSQL = `SELECT ` + selectColumns + ` FROM greenhouse_data ORDER BY collect_time DESC`

	queryTimeRangeSQL = `SELECT ` + selectColumns + ` FROM greenhouse_data WHERE collect_time BETWEEN $1 AND $2 ORDER BY collect_time DESC`

	// %s dosazuje jen sloupec z reading.Attribute.Column, nikdy text od uživatele.
	queryAttributeRangeSQL = `SELECT ` + selectColumns + ` FROM greenhouse_data WHERE %s BETWEEN $1 AND $2 ORDER BY collect_time DESC`
)

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Events  hub.Publisher
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Gateway struct {
	mu sync.Mutex
	db DB

	open    Opener
	timeout time.Duration
	logger  *slog.Logger
	events  hub.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewGateway(open Opener, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = hub.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		open:    open,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		events:  opts.Events,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Connect je idempotentní. Živé spojení se znovu neotevírá; nefunkční
// handle se zavře a otevře se nový. Při chybě nezůstane nic napůl otevřené.
// Stavová událost odchází až po uvolnění zámku, pomalý odběratel tak
// nezdržuje ostatní operace nad DB.
func (g *Gateway) Connect(ctx context.Context) error {
	ev, err := g.connect(ctx)
	g.events.Publish(ev)
	return err
}

func (g *Gateway) connect(ctx context.Context) (hub.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.db != nil {
		if err := g.db.Ping(ctx); err == nil {
			g.metrics.DBOp("connect", nil, time.Since(start))
			return statusEvent(true, "already connected"), nil
		}
		g.logger.Warn("Staré spojení s DB nereaguje, otevírám nové")
		g.db.Close()
		g.db = nil
	}

	db, err := g.open(ctx)
	if err == nil {
		if err = db.Ping(ctx); err != nil {
			db.Close()
		}
	}
	if err != nil {
		cerr := &ConnectError{Err: err}
		g.metrics.DBOp("connect", cerr, time.Since(start))
		g.logger.Error("Připojení k DB selhalo", "error", err)
		return statusEvent(false, cerr.Error()), cerr
	}

	g.db = db
	g.metrics.DBOp("connect", nil, time.Since(start))
	g.logger.Info("Databáze připojena")
	return statusEvent(true, "connected"), nil
}

// Disconnect je idempotentní a bezpečný i bez spojení.
// Událost se publikuje jen tehdy, když bylo co odpojit.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	had := g.db != nil
	if had {
		g.db.Close()
		g.db = nil
		g.logger.Info("Databáze odpojena")
	}
	g.mu.Unlock()

	if had {
		g.events.Publish(statusEvent(false, "disconnected"))
	}
}

func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db != nil
}

// Close uvolní spojení při vypínání služby (bez události).
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db != nil {
		g.db.Close()
		g.db = nil
	}
}

// Insert uloží měření s časem serveru. Bez spojení vrací ErrNotConnected
// a žádnou událost nepublikuje; volající jen loguje.
func (g *Gateway) Insert(ctx context.Context, r reading.Reading) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.db == nil {
		g.metrics.InsertSkipped()
		g.logger.Warn("Měření neuloženo, databáze není připojena")
		return ErrNotConnected
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	collected := g.now().Format(timeLayout)
	_, err := g.db.Exec(ctx, insertSQL,
		collected, r.AirTemp, r.AirHumidity, r.Oxygen, r.SoilTemp, r.SoilMoisture, r.Light)
	g.metrics.DBOp("insert", err, time.Since(start))
	if err != nil {
		return &QueryError{Op: "insert", Err: err}
	}
	g.logger.Debug("Měření uloženo", "collect_time", collected)
	return nil
}

// QueryAll vrátí všechny záznamy od nejnovějšího.
func (g *Gateway) QueryAll(ctx context.Context) ([]reading.StoredRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.query(ctx, "query_all", queryAllSQL)
}

// QueryByTimeRange nevaliduje pořadí from/to, to je starost volajícího.
func (g *Gateway) QueryByTimeRange(ctx context.Context, from, to time.Time) ([]reading.StoredRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.query(ctx, "query_time_range", queryTimeRangeSQL,
		from.In(time.Local).Format(timeLayout), to.In(time.Local).Format(timeLayout))
}

// QueryByAttributeRange filtruje podle jednoho ze šesti atributů.
// Neznámý název vrací ErrInvalidAttribute a na DB vůbec nesáhne.
func (g *Gateway) QueryByAttributeRange(ctx context.Context, name string, min, max float64) ([]reading.StoredRecord, error) {
	attr, err := reading.ParseAttribute(name)
	if err != nil {
		return nil, &QueryError{Op: "query_attribute_range", Err: fmt.Errorf("%w: %q", ErrInvalidAttribute, name)}
	}
	column, ok := attr.Column()
	if !ok {
		return nil, &QueryError{Op: "query_attribute_range", Err: fmt.Errorf("%w: %q", ErrInvalidAttribute, name)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.query(ctx, "query_attribute_range", fmt.Sprintf(queryAttributeRangeSQL, column), min, max)
}

// query běží pod zámkem volajícího.
func (g *Gateway) query(ctx context.Context, op, sql string, args ...any) ([]reading.StoredRecord, error) {
	if g.db == nil {
		g.metrics.DBOp(op, ErrNotConnected, 0)
		return nil, &QueryError{Op: op, Err: ErrNotConnected}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	records, err := g.collect(ctx, sql, args...)
	g.metrics.DBOp(op, err, time.Since(start))
	if err != nil {
		return nil, &QueryError{Op: op, Err: err}
	}
	g.logger.Debug("Dotaz proveden", "op", op, "rows", len(records))
	return records, nil
}

func (g *Gateway) collect(ctx context.Context, sql string, args ...any) ([]reading.StoredRecord, error) {
	rows, err := g.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (reading.StoredRecord, error) {
		var rec reading.StoredRecord
		err := row.Scan(
			&rec.ID, &rec.CollectedAt,
			&rec.AirTemp, &rec.AirHumidity, &rec.Oxygen,
			&rec.SoilTemp, &rec.SoilMoisture, &rec.Light,
		)
		rec.CollectedAt = localWallClock(rec.CollectedAt)
		return rec, err
	})
}

// localWallClock: sloupec je timestamp bez zóny, pgx ho vrací jako UTC.
// Hodnota je ale místní čas serveru, tak ji tak i interpretujeme.
func localWallClock(t time.Time) time.Time {
	if t.Location() != time.UTC {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.Local)
}

func statusEvent(connected bool, msg string) hub.Event {
	return hub.Event{
		Kind:      hub.ConnectionStatusChanged,
		Connected: connected,
		Message:   msg,
	}
}
