// Package hub je kanálová "sběrnice" mezi jádrem a prezentační vrstvou.
//
// Workery, listener a gateway publikují události (Publish), prezentace a další
// konzumenti (MQTT most, perzistence) si je odebírají (Subscribe) a zpracovávají
// ve své vlastní goroutině. Příkazy opačným směrem jdou přes Submit/Commands.
// Nikdo z jádra nevolá kód prezentace přímo.
package hub

import (
	"context"
	"sync"
	"time"
)

// Hub rozesílá události odběratelům. Je thread-safe.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	cmds chan Command
	now  func() time.Time
}

// New vytvoří hub. commandBuffer je kapacita fronty příkazů.
func New(commandBuffer int) *Hub {
	if commandBuffer <= 0 {
		commandBuffer = 64
	}
	return &Hub{
		subs: make(map[*Subscription]struct{}),
		cmds: make(chan Command, commandBuffer),
		now:  time.Now,
	}
}

// Subscription je jeden odběratel. C se uzavře po Close.
type Subscription struct {
	C <-chan Event

	hub   *Hub
	ch    chan Event
	kinds map[Kind]bool // prázdná mapa = všechny typy
	done  chan struct{}
	once  sync.Once
}

// Subscribe zaregistruje odběratele. Bez kinds dostává všechny události.
func (h *Hub) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		C:     ch,
		hub:   h,
		ch:    ch,
		kinds: make(map[Kind]bool, len(kinds)),
		done:  make(chan struct{}),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close odhlásí odběratele. Lze volat opakovaně.
func (s *Subscription) Close() {
	s.once.Do(func() {
		// Nejdřív odblokujeme případného publishera, který čeká na plný buffer,
		// teprve potom si vezmeme zámek pro zápis.
		close(s.done)
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Publish doručí událost všem odběratelům daného typu.
// Při plném bufferu odběratele blokuje, události se nezahazují a pořadí
// od jednoho publishera zůstává zachované.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// Submit zařadí příkaz do fronty. Blokuje jen pokud je fronta plná.
func (h *Hub) Submit(ctx context.Context, cmd Command) error {
	select {
	case h.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commands je fronta příkazů pro dispatcher. Konzument má být právě jeden.
func (h *Hub) Commands() <-chan Command {
	return h.cmds
}

var _ Publisher = (*Hub)(nil)
