// Package dispatch provádí příkazy z hubu nad databází a spojeními
// a ukládá každé dekódované měření.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"greenhouse-ingestor/internal/hub"
	"greenhouse-ingestor/internal/reading"
	"greenhouse-ingestor/internal/storage"
)

// Gateway je to, co dispatcher potřebuje od storage.Gateway.
type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect()
	Insert(ctx context.Context, r reading.Reading) error
	QueryAll(ctx context.Context) ([]reading.StoredRecord, error)
	QueryByTimeRange(ctx context.Context, from, to time.Time) ([]reading.StoredRecord, error)
	QueryByAttributeRange(ctx context.Context, name string, min, max float64) ([]reading.StoredRecord, error)
}

// Sender posílá bajty zařízením (ingest.Listener).
type Sender interface {
	Send(id string, p []byte) error
	Broadcast(p []byte) (int, error)
}

// LatestStore je cache posledního měření (storage.LatestCache).
type LatestStore interface {
	Put(ctx context.Context, l storage.Latest) error
}

// Mirror dostává kopii každého měření (influx.Mirror).
type Mirror interface {
	Record(connID string, at time.Time, r reading.Reading)
}

type Options struct {
	Logger *slog.Logger
	Events hub.Publisher
	Latest LatestStore
	Mirror Mirror
}

type Dispatcher struct {
	gw     Gateway
	conns  Sender
	latest LatestStore
	mirror Mirror
	events hub.Publisher
	logger *slog.Logger
}

func New(gw Gateway, conns Sender, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = hub.Discard
	}
	return &Dispatcher{
		gw:     gw,
		conns:  conns,
		latest: opts.Latest,
		mirror: opts.Mirror,
		events: opts.Events,
		logger: opts.Logger,
	}
}

// Run zpracovává příkazy a měření, dokud se nezruší ctx.
// readings má být odběr jen ReadingDecoded, jinak by dispatcher čekal sám na sebe.
func (d *Dispatcher) Run(ctx context.Context, cmds <-chan hub.Command, readings <-chan hub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			if _, err := d.Execute(ctx, cmd); err != nil {
				d.logger.Warn("Příkaz selhal", "command", cmd.Kind.String(), "error", err)
			}
		case ev, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			d.Store(ctx, ev)
		}
	}
}

// Execute provede příkaz synchronně. Vrací výslednou událost, která už byla
// publikována (u Connect/Disconnect ji publikuje přímo Gateway).
func (d *Dispatcher) Execute(ctx context.Context, cmd hub.Command) (hub.Event, error) {
	switch cmd.Kind {
	case hub.Connect:
		err := d.gw.Connect(ctx)
		ev := hub.Event{Kind: hub.ConnectionStatusChanged, Connected: err == nil, Message: "connected"}
		if err != nil {
			ev.Message = err.Error()
		}
		return ev, err

	case hub.Disconnect:
		d.gw.Disconnect()
		return hub.Event{Kind: hub.ConnectionStatusChanged, Message: "disconnected"}, nil

	case hub.SendBytes:
		return hub.Event{}, d.send(cmd)

	case hub.InsertReading:
		err := d.gw.Insert(ctx, cmd.Reading)
		return hub.Event{}, err

	case hub.QueryAll:
		recs, err := d.gw.QueryAll(ctx)
		return d.queryResult(recs, err), err

	case hub.QueryByTimeRange:
		recs, err := d.gw.QueryByTimeRange(ctx, cmd.From, cmd.To)
		return d.queryResult(recs, err), err

	case hub.QueryByAttributeRange:
		recs, err := d.gw.QueryByAttributeRange(ctx, cmd.Attribute, cmd.Min, cmd.Max)
		return d.queryResult(recs, err), err
	}
	return hub.Event{}, fmt.Errorf("neznámý příkaz %d", cmd.Kind)
}

func (d *Dispatcher) send(cmd hub.Command) error {
	if cmd.ConnID != "" {
		return d.conns.Send(cmd.ConnID, cmd.Payload)
	}
	n, err := d.conns.Broadcast(cmd.Payload)
	d.logger.Debug("Broadcast odeslán", "connections", n, "bytes", len(cmd.Payload))
	return err
}

func (d *Dispatcher) queryResult(recs []reading.StoredRecord, err error) hub.Event {
	ev := hub.Event{
		Kind:    hub.QueryResultReady,
		Success: err == nil,
		Records: recs,
		Message: fmt.Sprintf("%d records", len(recs)),
	}
	if err != nil {
		ev.Message = err.Error()
	}
	d.events.Publish(ev)
	return ev
}

// Store uloží dekódované měření do DB, do cache posledního měření a do zrcadla.
// Chyba cache ani zrcadla uložení do DB neruší.
func (d *Dispatcher) Store(ctx context.Context, ev hub.Event) {
	if ev.Kind != hub.ReadingDecoded || ev.Reading == nil {
		return
	}
	r := *ev.Reading

	if err := d.gw.Insert(ctx, r); err != nil && !errors.Is(err, storage.ErrNotConnected) {
		d.logger.Error("Chyba při ukládání dat", "conn_id", ev.ConnID, "error", err)
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	if d.latest != nil {
		if err := d.latest.Put(ctx, storage.Latest{ConnID: ev.ConnID, At: at, Reading: r}); err != nil {
			d.logger.Warn("Cache posledního měření neaktualizována", "error", err)
		}
	}
	if d.mirror != nil {
		d.mirror.Record(ev.ConnID, at, r)
	}
}
