package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"greenhouse-ingestor/internal/hub"
	"greenhouse-ingestor/internal/reading"
)

// Submitter je fronta příkazů hubu.
type Submitter interface {
	Submit(ctx context.Context, cmd hub.Command) error
}

// commandMessage je JSON tvar příkazu na MQTT, např.
//
//	{"kind":"query_by_attribute_range","attribute":"air_temperature","min":20,"max":30}
//	{"kind":"send_bytes","conn_id":"...","payload":"LED:ON"}
type commandMessage struct {
	Kind      string           `json:"kind"`
	ConnID    string           `json:"conn_id"`
	Payload   string           `json:"payload"`
	Reading   *reading.Reading `json:"reading"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Attribute string           `json:"attribute"`
	Min       float64          `json:"min"`
	Max       float64          `json:"max"`
}

// ParseCommand převede JSON zprávu na hub.Command.
// Název atributu tu neověřujeme, to dělá gateway (a vrátí chybný výsledek dotazu).
func ParseCommand(payload []byte) (hub.Command, error) {
	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return hub.Command{}, fmt.Errorf("neplatný JSON příkazu: %w", err)
	}

	kind, ok := hub.ParseCommandKind(msg.Kind)
	if !ok {
		return hub.Command{}, fmt.Errorf("neznámý příkaz %q", msg.Kind)
	}

	cmd := hub.Command{Kind: kind, ConnID: msg.ConnID}
	switch kind {
	case hub.SendBytes:
		if msg.Payload == "" {
			return hub.Command{}, errors.New("send_bytes bez payloadu")
		}
		cmd.Payload = []byte(msg.Payload)
	case hub.InsertReading:
		if msg.Reading == nil {
			return hub.Command{}, errors.New("insert_reading bez měření")
		}
		cmd.Reading = *msg.Reading
	case hub.QueryByTimeRange:
		if msg.From.After(msg.To) {
			return hub.Command{}, errors.New("from je po to")
		}
		cmd.From, cmd.To = msg.From, msg.To
	case hub.QueryByAttributeRange:
		cmd.Attribute, cmd.Min, cmd.Max = msg.Attribute, msg.Min, msg.Max
	}
	return cmd, nil
}

// CommandListener odebírá topic s příkazy a řadí je do hubu.
type CommandListener struct {
	hub     Submitter
	logger  *slog.Logger
	timeout time.Duration
}

func NewCommandListener(h Submitter, logger *slog.Logger) *CommandListener {
	return &CommandListener{hub: h, logger: logger, timeout: time.Second}
}

// Handle je mqtt.MessageHandler. Plnou frontu nečeká donekonečna.
func (l *CommandListener) Handle(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		l.logger.Warn("Příkaz odmítnut", "topic", msg.Topic(), "důvod", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.hub.Submit(ctx, cmd); err != nil {
		l.logger.Error("Příkaz nezařazen, fronta je plná", "command", cmd.Kind.String(), "error", err)
		return
	}
	l.logger.Debug("Příkaz přijat z MQTT", "command", cmd.Kind.String())
}

// Subscribe přihlásí Handle k topicu.
func (l *CommandListener) Subscribe(client Subscriber, topic string) error {
	token := client.Subscribe(topic, 1, l.Handle)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}
