// Package protocol dekóduje textový protokol skleníkového kontroléru.
//
// Jedna zpráva (obálka) vypadá takto:
//
//	{Params[atemp:23.5;ahumi:61;oxygen:20.9;stemp:18.2;shumi2:33;light:1200]}
//
// Dekodér je čistá funkce bez I/O a bez stavu. Rozdělení proudu bajtů na
// jednotlivé obálky řeší Framer.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"greenhouse-ingestor/internal/reading"
)

const (
	envelopePrefix = "{Params["
	envelopeSuffix = "]}"
)

var (
	ErrEmpty   = errors.New("prázdná zpráva")
	ErrFraming = errors.New("zpráva neodpovídá formátu {Params[...]}")
	ErrNoPairs = errors.New("zpráva neobsahuje žádné páry klíč:hodnota")
)

// DecodeError znamená, že ze zprávy nevznikl žádný Reading.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dekódování selhalo: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FieldWarning popisuje jeden pár, který byl přeskočen. Zpráva jako celek tím neselhává.
type FieldWarning struct {
	Pair   string
	Reason string
}

func (w FieldWarning) String() string {
	return fmt.Sprintf("%q: %s", w.Pair, w.Reason)
}

// Decoded je výsledek úspěšného dekódování (best-effort).
type Decoded struct {
	Reading  reading.Reading
	Warnings []FieldWarning
}

// Decode převede jednu obálku na Reading.
// Selže jen pro prázdný vstup, chybějící obálku nebo obsah bez párů.
// Chybějící nebo nečitelná pole zůstávají na nule.
func Decode(data []byte) (Decoded, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return Decoded{}, &DecodeError{Raw: raw, Err: ErrEmpty}
	}

	if len(raw) < len(envelopePrefix)+len(envelopeSuffix) ||
		!strings.HasPrefix(raw, envelopePrefix) || !strings.HasSuffix(raw, envelopeSuffix) {
		return Decoded{}, &DecodeError{Raw: raw, Err: ErrFraming}
	}

	content := raw[len(envelopePrefix) : len(raw)-len(envelopeSuffix)]
	if content == "" {
		return Decoded{}, &DecodeError{Raw: raw, Err: ErrNoPairs}
	}

	var pairs []string
	for _, p := range strings.Split(content, ";") {
		// Prázdné segmenty (např. za posledním ';') ignorujeme.
		if p != "" {
			pairs = append(pairs, p)
		}
	}
	if len(pairs) == 0 {
		return Decoded{}, &DecodeError{Raw: raw, Err: ErrNoPairs}
	}

	var b builder
	for _, p := range pairs {
		b.apply(p)
	}
	return Decoded{Reading: b.r, Warnings: b.warnings}, nil
}

// builder začíná z nulového Reading a přepisuje jen pole, která se povedlo naparsovat.
type builder struct {
	r        reading.Reading
	warnings []FieldWarning
}

func (b *builder) apply(pair string) {
	parts := strings.Split(pair, ":")
	if len(parts) != 2 {
		b.warn(pair, "očekáván formát klíč:hodnota")
		return
	}

	key := strings.TrimSpace(parts[0])
	value, err := parseValue(strings.TrimSpace(parts[1]))
	if err != nil {
		b.warn(pair, err.Error())
		return
	}

	switch key {
	case "atemp":
		b.r.AirTemp = value
	case "ahumi":
		b.r.AirHumidity = value
	case "oxygen":
		b.r.Oxygen = value
	case "stemp":
		b.r.SoilTemp = value
	case "shumi2":
		b.r.SoilMoisture = value
	case "light":
		b.r.Light = value
	default:
		b.warn(pair, "neznámý klíč")
	}
}

func (b *builder) warn(pair, reason string) {
	b.warnings = append(b.warnings, FieldWarning{Pair: pair, Reason: reason})
}

// parseValue přijímá pouze desítková čísla. Hex zápis, podtržítka, NaN a Inf odmítá.
func parseValue(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("prázdná hodnota")
	}
	if strings.ContainsAny(s, "xX_") {
		return 0, fmt.Errorf("hodnota %q není desítkové číslo", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("hodnota %q není platné číslo", s)
	}
	return v, nil
}
