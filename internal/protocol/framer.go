package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// MinPendingBytes: pod touto hranicí framer nic nevydá a čeká na další data.
// Pozůstatek po binární hlavičce s délkou (8 bajtů), kterou zařízení už neposílají.
const MinPendingBytes = 8

// Mode určuje, jak se proud bajtů dělí na zprávy.
type Mode string

const (
	// ModeEnvelope hledá v proudu celé obálky {Params[...]} a neúplný zbytek drží do dalšího čtení.
	ModeEnvelope Mode = "envelope"
	// ModeChunk bere vše, co přišlo jedním čtením, jako jednu zprávu (původní chování firmware).
	ModeChunk Mode = "chunk"
)

// ParseMode převede konfigurační řetězec na Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeEnvelope, ModeChunk:
		return m, nil
	default:
		return "", fmt.Errorf("neznámý režim framingu %q (envelope|chunk)", s)
	}
}

// Framer skládá přijaté bloky do zpráv. Není thread-safe; patří jednomu spojení.
type Framer struct {
	mode    Mode
	maxSize int
	pending []byte
}

// NewFramer vytvoří framer. maxSize omezuje délku nedokončené obálky.
func NewFramer(mode Mode, maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = 8192
	}
	return &Framer{mode: mode, maxSize: maxSize}
}

// Push přidá přijatý blok a vrátí všechny zprávy, které jsou teď kompletní.
// Vrácené slice jsou kopie a volající je může držet.
func (f *Framer) Push(chunk []byte) [][]byte {
	f.pending = append(f.pending, chunk...)
	if len(f.pending) < MinPendingBytes {
		return nil
	}

	if f.mode == ModeChunk {
		unit := f.take(len(f.pending))
		return [][]byte{unit}
	}
	return f.splitEnvelopes()
}

// Pending vrací počet bajtů čekajících na dokončení zprávy.
func (f *Framer) Pending() int { return len(f.pending) }

func (f *Framer) splitEnvelopes() [][]byte {
	prefix := []byte(envelopePrefix)
	suffix := []byte(envelopeSuffix)
	var units [][]byte

	for len(f.pending) > 0 {
		start := bytes.Index(f.pending, prefix)
		if start < 0 {
			// Konec bufferu může být začátek další obálky ("{Par"), ten si necháme.
			keep := partialPrefix(f.pending, prefix)
			units = f.appendGarbage(units, len(f.pending)-keep)
			break
		}
		if start > 0 {
			units = f.appendGarbage(units, start)
			continue
		}

		end := bytes.Index(f.pending[len(prefix):], suffix)
		if end < 0 {
			if len(f.pending) > f.maxSize {
				// Obálka se nikdy neuzavřela, pošleme ji dál jako vadnou zprávu.
				units = append(units, f.take(len(f.pending)))
			}
			break
		}
		units = append(units, f.take(len(prefix)+end+len(suffix)))
	}
	return units
}

// appendGarbage odřízne n bajtů mimo obálku. Samé bílé znaky (oddělovače řádků) zahodí.
func (f *Framer) appendGarbage(units [][]byte, n int) [][]byte {
	if n <= 0 {
		return units
	}
	unit := f.take(n)
	if len(bytes.TrimSpace(unit)) == 0 {
		return units
	}
	return append(units, unit)
}

func (f *Framer) take(n int) []byte {
	unit := make([]byte, n)
	copy(unit, f.pending[:n])
	f.pending = append(f.pending[:0], f.pending[n:]...)
	return unit
}

// partialPrefix vrací délku nejdelšího konce buf, který je začátkem prefixu.
func partialPrefix(buf, prefix []byte) int {
	max := len(prefix) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], prefix[:n]) {
			return n
		}
	}
	return 0
}
