package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"greenhouse-ingestor/internal/reading"
)

// memDB je paměťová tabulka greenhouse_data. Rozumí jen příkazům, které
// posílá Gateway, a hlídá, jestli nyní neběží dva příkazy zároveň.
type memDB struct {
	mu     sync.Mutex
	rows   []reading.StoredRecord
	nextID int64

	inFlight   atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int32
	closed     atomic.Bool
}

func (m *memDB) enter() func() {
	m.calls.Add(1)
	if m.inFlight.Add(1) > 1 {
		m.overlapped.Store(true)
	}
	// Krátké okno, aby se případný souběh projevil.
	time.Sleep(50 * time.Microsecond)
	return func() { m.inFlight.Add(-1) }
}

func (m *memDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	defer m.enter()()
	if sql != insertSQL || len(args) != 7 {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec %q", sql)
	}

	ts, err := time.ParseInLocation(timeLayout, args[0].(string), time.Local)
	if err != nil {
		return pgconn.CommandTag{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.rows = append(m.rows, reading.StoredRecord{
		ID: m.nextID,
		// timestamp bez zóny: pgx vrací stejné hodnoty hodin jako UTC
		CollectedAt: time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC),
		Reading: reading.Reading{
			AirTemp:      args[1].(float64),
			AirHumidity:  args[2].(float64),
			Oxygen:       args[3].(float64),
			SoilTemp:     args[4].(float64),
			SoilMoisture: args[5].(float64),
			Light:        args[6].(float64),
		},
	})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (m *memDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	defer m.enter()()

	m.mu.Lock()
	snapshot := append([]reading.StoredRecord(nil), m.rows...)
	m.mu.Unlock()

	var keep func(reading.StoredRecord) bool
	switch {
	case sql == queryAllSQL:
		keep = func(reading.StoredRecord) bool { return true }
	case sql == queryTimeRangeSQL:
		from, _ := time.ParseInLocation(timeLayout, args[0].(string), time.UTC)
		to, _ := time.ParseInLocation(timeLayout, args[1].(string), time.UTC)
		keep = func(r reading.StoredRecord) bool {
			return !r.CollectedAt.Before(from) && !r.CollectedAt.After(to)
		}
	default:
		for _, a := range reading.Attributes() {
			col, _ := a.Column()
			if sql == fmt.Sprintf(queryAttributeRangeSQL, col) {
				min, max := args[0].(float64), args[1].(float64)
				attr := a
				keep = func(r reading.StoredRecord) bool {
					v, _ := r.Field(attr)
					return v >= min && v <= max
				}
			}
		}
	}
	if keep == nil {
		return nil, fmt.Errorf("unexpected query %q", sql)
	}

	var out []reading.StoredRecord
	for _, r := range snapshot {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CollectedAt.After(out[j].CollectedAt) })
	return &memRows{rows: out, pos: -1}, nil
}

func (m *memDB) Ping(context.Context) error {
	if m.closed.Load() {
		return errors.New("closed")
	}
	return nil
}

func (m *memDB) Close() { m.closed.Store(true) }

type memRows struct {
	rows []reading.StoredRecord
	pos  int
}

func (r *memRows) Close()                                       {}
func (r *memRows) Err() error                                   { return nil }
func (r *memRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *memRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *memRows) RawValues() [][]byte                          { return nil }
func (r *memRows) Conn() *pgx.Conn                              { return nil }

func (r *memRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *memRows) Values() ([]any, error) {
	rec := r.rows[r.pos]
	return []any{rec.ID, rec.CollectedAt, rec.AirTemp, rec.AirHumidity, rec.Oxygen, rec.SoilTemp, rec.SoilMoisture, rec.Light}, nil
}

func (r *memRows) Scan(dest ...any) error {
	if len(dest) != 8 {
		return fmt.Errorf("expected 8 scan targets, got %d", len(dest))
	}
	vals, _ := r.Values()
	*dest[0].(*int64) = vals[0].(int64)
	*dest[1].(*time.Time) = vals[1].(time.Time)
	for i := 2; i < 8; i++ {
		*dest[i].(*float64) = vals[i].(float64)
	}
	return nil
}
