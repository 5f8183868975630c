package hub

import (
	"time"

	"greenhouse-ingestor/internal/reading"
)

// CommandKind je typ příkazu od prezentační vrstvy.
type CommandKind int

const (
	Connect CommandKind = iota + 1
	Disconnect
	SendBytes
	InsertReading
	QueryAll
	QueryByTimeRange
	QueryByAttributeRange
)

var commandNames = map[CommandKind]string{
	Connect:               "connect",
	Disconnect:            "disconnect",
	SendBytes:             "send_bytes",
	InsertReading:         "insert_reading",
	QueryAll:              "query_all",
	QueryByTimeRange:      "query_by_time_range",
	QueryByAttributeRange: "query_by_attribute_range",
}

func (k CommandKind) String() string {
	if s, ok := commandNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseCommandKind je opak String(); používá ho MQTT most.
func ParseCommandKind(s string) (CommandKind, bool) {
	for k, name := range commandNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Command je jeden příkaz. Vyplněná pole závisí na Kind.
type Command struct {
	Kind CommandKind

	// SendBytes: prázdné ConnID znamená všem připojeným zařízením.
	ConnID  string
	Payload []byte

	Reading reading.Reading // InsertReading

	From, To time.Time // QueryByTimeRange

	Attribute string // QueryByAttributeRange, ověřuje se až v gateway
	Min, Max  float64
}
