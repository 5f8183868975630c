// Package testutil obsahuje pomocníky pro testy s kanály a časovými limity.
package testutil

import (
	"fmt"
	"time"
)

// T je podmnožina testing.TB, kterou pomocníci potřebují.
type T interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive přečte jednu hodnotu z ch do timeoutu, jinak test selže.
func RequireReceive[V any](t T, ch <-chan V, timeout time.Duration, msgAndArgs ...any) V {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("kanál se zavřel bez hodnoty: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timeout po %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive ověří, že během window nepřišlo nic.
func RequireNoReceive[V any](t T, ch <-chan V, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("nečekaná hodnota %v: %s", v, formatMessage(msgAndArgs))
		}
	case <-time.After(window):
	}
}

// RequireClosed čeká na uzavření ch do timeoutu.
func RequireClosed(t T, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timeout po %v: %s", timeout, formatMessage(msgAndArgs))
	}
}

func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
