package mqttbridge

import "sync"

// LogWriter je io.Writer pro slog, který posílá každý řádek logu do MQTT
// (topic logs/<služba>). Zápis nikdy neblokuje: řádky jdou přes buffer
// do vlastní goroutiny, a když je buffer plný, řádek se zahodí.
type LogWriter struct {
	client Publisher
	topic  string

	lines chan []byte
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewLogWriter(client Publisher, serviceName string, buffer int) *LogWriter {
	if buffer <= 0 {
		buffer = 256
	}
	w := &LogWriter{
		client: client,
		topic:  "logs/" + serviceName,
		lines:  make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write zkopíruje p (slog buffer recykluje) a zařadí ho k odeslání.
func (w *LogWriter) Write(p []byte) (int, error) {
	payload := make([]byte, len(p))
	copy(payload, p)

	select {
	case <-w.done:
	case w.lines <- payload:
	default:
	}
	return len(p), nil
}

func (w *LogWriter) Topic() string { return w.topic }

func (w *LogWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case line := <-w.lines:
			// Na potvrzení nečekáme, logování je fire-and-forget.
			w.client.Publish(w.topic, 0, false, line)
		}
	}
}

// Close zastaví odesílání. Řádky, které zbyly v bufferu, se zahodí.
func (w *LogWriter) Close() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}
