package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"greenhouse-ingestor/internal/hub"
	"greenhouse-ingestor/internal/metrics"
	"greenhouse-ingestor/internal/protocol"
)

var (
	// ErrWorkerClosed vrací Send, když spojení už končí nebo skončilo.
	ErrWorkerClosed = errors.New("spojení se zařízením je uzavřené")
	// ErrSendQueueFull: zařízení nestíhá číst, zpráva se nezařadila.
	ErrSendQueueFull = errors.New("fronta odchozích zpráv je plná")
)

// State je stav workeru: Created -> Running -> Closing -> Terminated.
type State int32

const (
	Created State = iota
	Running
	Closing
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Worker vlastní jeden socket zařízení: čtecí smyčku, framer a zápis příkazů.
// Socket ani buffer se s nikým nesdílí. Uvolnění řídí Listener (viz release).
type Worker struct {
	id     string
	remote string
	since  time.Time

	conn    net.Conn
	framer  *protocol.Framer
	readBuf int

	logger  *slog.Logger
	events  hub.Publisher
	metrics *metrics.Metrics

	state   atomic.Int32
	bytesIn atomic.Int64

	// Zápis do socketu dělá jen writeLoop. Send jen plní frontu a nikdy neblokuje.
	outbox       chan []byte
	writeTimeout time.Duration
	writerDone   chan struct{}
	writeErr     error // nastaví writeLoop před zavřením writerDone

	closeOnce sync.Once
	done      chan struct{} // zavře se při beginClose

	exited chan struct{} // zavře se, až čtecí goroutina úplně doběhne
}

type workerConfig struct {
	framing      protocol.Mode
	maxMsg       int
	readBuf      int
	sendQueue    int
	writeTimeout time.Duration
	logger       *slog.Logger
	events       hub.Publisher
	metrics      *metrics.Metrics
	now          func() time.Time
	makeID       func() string
}

func newWorker(conn net.Conn, cfg workerConfig) *Worker {
	if cfg.sendQueue <= 0 {
		cfg.sendQueue = 32
	}
	if cfg.writeTimeout <= 0 {
		cfg.writeTimeout = 10 * time.Second
	}
	id := cfg.makeID()
	remote := conn.RemoteAddr().String()
	return &Worker{
		id:           id,
		remote:       remote,
		since:        cfg.now(),
		conn:         conn,
		framer:       protocol.NewFramer(cfg.framing, cfg.maxMsg),
		readBuf:      cfg.readBuf,
		logger:       cfg.logger.With("conn_id", id, "remote", remote),
		events:       cfg.events,
		metrics:      cfg.metrics,
		outbox:       make(chan []byte, cfg.sendQueue),
		writeTimeout: cfg.writeTimeout,
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
}

func (w *Worker) ID() string     { return w.id }
func (w *Worker) Remote() string { return w.remote }
func (w *Worker) State() State   { return State(w.state.Load()) }

// run je čtecí smyčka. Vrací důvod ukončení (nil = zařízení se odpojilo samo).
// Chyba dekódování spojení neukončí, jen chyba transportu.
// Vrací se až po doběhnutí zapisovací goroutiny.
func (w *Worker) run() error {
	w.state.CompareAndSwap(int32(Created), int32(Running))
	w.logger.Info("Zařízení připojeno")
	go w.writeLoop()

	err := w.readLoop()
	w.beginClose()
	<-w.writerDone
	if err == nil {
		// Čtení skončilo jen proto, že socket zavřel zápis.
		err = w.writeErr
	}
	return err
}

func (w *Worker) readLoop() error {
	buf := make([]byte, w.readBuf)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			w.handleChunk(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("chyba čtení: %w", err)
		}
	}
}

// handleChunk zpracuje jeden blok. Události jednoho bloku jsou publikovány
// dříve, než se začne číst další.
func (w *Worker) handleChunk(chunk []byte) {
	w.bytesIn.Add(int64(len(chunk)))
	w.metrics.Chunk(len(chunk))

	// Ladicí kanál dostává každý blok bez ohledu na výsledek dekódování.
	w.events.Publish(hub.Event{
		Kind:   hub.RawBytesReceived,
		ConnID: w.id,
		Remote: w.remote,
		Raw:    string(chunk),
	})

	for _, unit := range w.framer.Push(chunk) {
		decoded, err := protocol.Decode(unit)
		if err != nil {
			w.metrics.DecodeFailed()
			w.logger.Warn("Zpráva zahozena", "důvod", err, "raw", string(unit))
			continue
		}

		w.metrics.Decoded(len(decoded.Warnings))
		for _, fw := range decoded.Warnings {
			w.logger.Warn("Pár přeskočen", "pair", fw.Pair, "důvod", fw.Reason)
		}

		r := decoded.Reading
		w.events.Publish(hub.Event{
			Kind:    hub.ReadingDecoded,
			ConnID:  w.id,
			Remote:  w.remote,
			Reading: &r,
		})
		w.logger.Debug("Měření dekódováno", "reading", r)
	}
}

// Send zařadí buffer k odeslání a hned se vrátí (fire-and-forget, bez potvrzení).
// Plná fronta znamená, že zařízení nečte; zpráva se pak odmítne, nečeká se.
func (w *Worker) Send(p []byte) error {
	switch w.State() {
	case Created, Running:
	default:
		return ErrWorkerClosed
	}

	select {
	case <-w.done:
		return ErrWorkerClosed
	case w.outbox <- p:
		return nil
	default:
		w.logger.Warn("Zařízení nečte, zpráva zahozena", "bytes", len(p))
		return ErrSendQueueFull
	}
}

// writeLoop je jediné místo, které zapisuje do socketu. Zápis, který nestihne
// writeTimeout, je chyba transportu a spojení ukončí.
func (w *Worker) writeLoop() {
	defer close(w.writerDone)
	for {
		select {
		case <-w.done:
			return
		case p := <-w.outbox:
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			n, err := w.conn.Write(p)
			w.metrics.Sent(n)
			if err != nil {
				select {
				case <-w.done:
					// Socket zavřel někdo jiný, není co hlásit.
				default:
					w.writeErr = fmt.Errorf("zápis do %s: %w", w.remote, err)
					w.logger.Error("Zápis do zařízení selhal", "error", err, "written", n, "bytes", len(p))
				}
				w.beginClose()
				return
			}
			w.logger.Debug("Odesláno do zařízení", "bytes", n)
		}
	}
}

// Close požádá o ukončení. Čtecí smyčka uvidí zavřený socket a skončí.
// Nikdy neblokuje: rozpracovaný zápis se zavřením socketu přeruší.
func (w *Worker) Close() {
	w.beginClose()
}

func (w *Worker) beginClose() {
	w.closeOnce.Do(func() {
		w.state.Store(int32(Closing))
		close(w.done)
		_ = w.conn.Close()
	})
}

// markTerminated volá jen supervisor, a to až po doběhnutí čtecí goroutiny.
func (w *Worker) markTerminated() {
	w.state.Store(int32(Terminated))
}

// ConnInfo je snímek stavu spojení pro registr a HTTP API.
type ConnInfo struct {
	ID      string    `json:"id"`
	Remote  string    `json:"remote"`
	Since   time.Time `json:"since"`
	BytesIn int64     `json:"bytes_in"`
	State   string    `json:"state"`
}

func (w *Worker) info() ConnInfo {
	return ConnInfo{
		ID:      w.id,
		Remote:  w.remote,
		Since:   w.since,
		BytesIn: w.bytesIn.Load(),
		State:   w.State().String(),
	}
}
