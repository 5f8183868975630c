// Package ingest přijímá TCP spojení ze zařízení skleníku.
//
// Listener drží registr workerů. Každý worker čte svůj socket ve vlastní
// goroutině a po skončení smyčky pošle Listeneru oznámení; teprve Listener
// počká na doběhnutí goroutiny, zavře socket, vyřadí worker z registru
// a publikuje ConnectionTerminated. Worker tedy nikdy neuvolňuje sám sebe.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"greenhouse-ingestor/internal/hub"
	"greenhouse-ingestor/internal/metrics"
	"greenhouse-ingestor/internal/protocol"
)

// ErrUnknownConnection: spojení s daným ID v registru není.
var ErrUnknownConnection = errors.New("neznámé spojení")

type Options struct {
	Framing         protocol.Mode
	MaxMessageBytes int
	ReadBufferBytes int
	KeepAlive       time.Duration
	// SendQueue je kapacita odchozí fronty jednoho spojení, WriteTimeout
	// limit jednoho zápisu. Pomalé zařízení tak nikdy nezdrží volajícího.
	SendQueue    int
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Events  hub.Publisher
	Metrics *metrics.Metrics
}

type teardown struct {
	w   *Worker
	err error
}

type Listener struct {
	ln   net.Listener
	opts Options
	wcfg workerConfig

	mu      sync.RWMutex
	workers map[string]*Worker

	finished chan teardown
}

// Listen naváže socket na addr (např. ":1210", IPv4 i IPv6).
// Chyba bindu je fatální a vrací se volajícímu.
func Listen(ctx context.Context, addr string, opts Options) (*Listener, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = hub.Discard
	}
	if opts.Framing == "" {
		opts.Framing = protocol.ModeEnvelope
	}
	if opts.ReadBufferBytes <= 0 {
		opts.ReadBufferBytes = 4096
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}

	lc := net.ListenConfig{KeepAlive: opts.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	l := &Listener{
		ln:       ln,
		opts:     opts,
		workers:  make(map[string]*Worker),
		finished: make(chan teardown, 16),
		wcfg: workerConfig{
			framing:      opts.Framing,
			maxMsg:       opts.MaxMessageBytes,
			readBuf:      opts.ReadBufferBytes,
			sendQueue:    opts.SendQueue,
			writeTimeout: opts.WriteTimeout,
			logger:       opts.Logger,
			events:       opts.Events,
			metrics:      opts.Metrics,
			now:          time.Now,
			makeID:       uuid.NewString,
		},
	}
	opts.Logger.Info("TCP listener spuštěn", "addr", ln.Addr().String(), "framing", string(opts.Framing))
	return l, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve přijímá spojení až do zrušení ctx. Pak zavře listener, ukončí
// všechny workery a vrátí se až po jejich úplném uvolnění.
func (l *Listener) Serve(ctx context.Context) error {
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- l.acceptLoop() }()

	for {
		select {
		case t := <-l.finished:
			l.release(t)

		case <-ctx.Done():
			_ = l.ln.Close()
			<-acceptErr
			l.drain()
			return nil

		case err := <-acceptErr:
			_ = l.ln.Close()
			l.drain()
			return err
		}
	}
}

func (l *Listener) acceptLoop() error {
	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Dočasná chyba (např. došly deskriptory), zkusíme znovu.
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				l.opts.Logger.Warn("Accept selhal, zkouším znovu", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		l.spawn(conn)
	}
}

func (l *Listener) spawn(conn net.Conn) {
	w := newWorker(conn, l.wcfg)

	l.mu.Lock()
	l.workers[w.id] = w
	l.mu.Unlock()

	l.opts.Metrics.ConnectionOpened()
	l.opts.Events.Publish(hub.Event{
		Kind:   hub.ConnectionOpened,
		ConnID: w.id,
		Remote: w.remote,
	})

	go func() {
		defer close(w.exited)
		err := w.run()
		l.finished <- teardown{w: w, err: err}
	}()
}

// release uvolní worker po skončení jeho smyčky. Volá se přesně jednou na worker.
func (l *Listener) release(t teardown) {
	w := t.w
	<-w.exited
	_ = w.conn.Close()
	w.markTerminated()

	l.mu.Lock()
	delete(l.workers, w.id)
	l.mu.Unlock()

	l.opts.Metrics.ConnectionClosed()

	msg := "disconnected"
	if t.err != nil {
		msg = t.err.Error()
		w.logger.Warn("Spojení ukončeno chybou", "error", t.err, "bytes_in", w.bytesIn.Load())
	} else {
		w.logger.Info("Zařízení odpojeno", "bytes_in", w.bytesIn.Load())
	}

	l.opts.Events.Publish(hub.Event{
		Kind:    hub.ConnectionTerminated,
		ConnID:  w.id,
		Remote:  w.remote,
		Message: msg,
	})
}

func (l *Listener) drain() {
	l.mu.RLock()
	pending := len(l.workers)
	for _, w := range l.workers {
		w.Close()
	}
	l.mu.RUnlock()

	for ; pending > 0; pending-- {
		l.release(<-l.finished)
	}
	l.opts.Logger.Info("TCP listener zastaven")
}

// Send pošle bajty jednomu zařízení.
func (l *Listener) Send(id string, p []byte) error {
	l.mu.RLock()
	w, ok := l.workers[id]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return w.Send(p)
}

// Broadcast pošle bajty všem připojeným zařízením. Vrací počet úspěšných
// zápisů a spojené chyby těch neúspěšných.
func (l *Listener) Broadcast(p []byte) (int, error) {
	l.mu.RLock()
	targets := make([]*Worker, 0, len(l.workers))
	for _, w := range l.workers {
		targets = append(targets, w)
	}
	l.mu.RUnlock()

	var (
		sent int
		errs []error
	)
	for _, w := range targets {
		if err := w.Send(p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.id, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Connections vrátí snímek registru seřazený podle času připojení.
func (l *Listener) Connections() []ConnInfo {
	l.mu.RLock()
	out := make([]ConnInfo, 0, len(l.workers))
	for _, w := range l.workers {
		out = append(out, w.info())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}
