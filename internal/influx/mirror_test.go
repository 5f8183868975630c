package influx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"greenhouse-ingestor/internal/reading"
)

func TestPointLineProtocol(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	p := Point("greenhouse", "c1", at, reading.Reading{AirTemp: 21.5, Light: 300})
	line := write.PointToLineProtocol(p, time.Second)

	if !strings.HasPrefix(line, "greenhouse,conn_id=c1 ") {
		t.Fatalf("unexpected series key: %q", line)
	}
	for _, want := range []string{"air_temperature=21.5", "light_intensity=300", "soil_moisture=0"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(line), " 1700000000") {
		t.Fatalf("unexpected timestamp in %q", line)
	}
}

func TestMirrorWritesToServer(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(b))
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := New(context.Background(), Config{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"}, logger)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}

	m.Record("c1", time.Now(), reading.Reading{Oxygen: 20.9})
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) == 0 || !strings.Contains(strings.Join(bodies, ""), "oxygen_concentration=20.9") {
		t.Fatalf("point not written: %q", bodies)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{URL: "http://127.0.0.1:1"}, slog.Default()); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
