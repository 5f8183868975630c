package mqttbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"greenhouse-ingestor/internal/hub"
)

// EventForwarder přeposílá události z hubu do MQTT jako JSON.
// Topic je <prefix>/<kind>, např. greenhouse/events/reading_decoded.
type EventForwarder struct {
	client  Publisher
	prefix  string
	logger  *slog.Logger
	timeout time.Duration
}

func NewEventForwarder(client Publisher, prefix string, logger *slog.Logger) *EventForwarder {
	return &EventForwarder{client: client, prefix: prefix, logger: logger, timeout: 2 * time.Second}
}

func (f *EventForwarder) Topic(k hub.Kind) string {
	return f.prefix + "/" + k.String()
}

// Run čte odběr, dokud se nezruší ctx nebo se odběr nezavře.
func (f *EventForwarder) Run(ctx context.Context, events <-chan hub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.forward(ev)
		}
	}
}

func (f *EventForwarder) forward(ev hub.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("Událost nejde serializovat", "kind", ev.Kind.String(), "error", err)
		return
	}

	token := f.client.Publish(f.Topic(ev.Kind), 0, false, payload)
	if !token.WaitTimeout(f.timeout) {
		f.logger.Warn("MQTT publish timeout", "topic", f.Topic(ev.Kind))
		return
	}
	if err := token.Error(); err != nil {
		f.logger.Error("Chyba při publikaci do MQTT", "topic", f.Topic(ev.Kind), "error", err)
	}
}
