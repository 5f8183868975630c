package hub

import (
	"time"

	"greenhouse-ingestor/internal/reading"
)

// Kind je typ události, kterou jádro publikuje směrem k prezentační vrstvě.
type Kind int

const (
	ReadingDecoded Kind = iota + 1
	RawBytesReceived
	ConnectionStatusChanged // stav spojení do databáze
	QueryResultReady
	ConnectionOpened // nové spojení od zařízení
	ConnectionTerminated
)

var kindNames = map[Kind]string{
	ReadingDecoded:          "reading_decoded",
	RawBytesReceived:        "raw_bytes_received",
	ConnectionStatusChanged: "connection_status_changed",
	QueryResultReady:        "query_result_ready",
	ConnectionOpened:        "connection_opened",
	ConnectionTerminated:    "connection_terminated",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText umožní posílat Kind v JSON jako řetězec (MQTT most, HTTP).
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event je jedna tagovaná zpráva. Vyplněná pole závisí na Kind.
type Event struct {
	Kind   Kind      `json:"kind"`
	At     time.Time `json:"at"`
	ConnID string    `json:"conn_id,omitempty"`
	Remote string    `json:"remote,omitempty"`

	Reading *reading.Reading `json:"reading,omitempty"` // ReadingDecoded
	Raw     string           `json:"raw,omitempty"`     // RawBytesReceived

	// ConnectionStatusChanged
	Connected bool `json:"connected,omitempty"`

	// QueryResultReady
	Success bool                   `json:"success,omitempty"`
	Records []reading.StoredRecord `json:"records,omitempty"`

	Message string `json:"message,omitempty"`
}

// Publisher je vše, co worker, listener a gateway potřebují od hubu.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adaptér pro testy a jednoduché konzumenty.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Discard zahodí všechny události.
var Discard Publisher = PublisherFunc(func(Event) {})
