// Package influx zrcadlí dekódovaná měření do InfluxDB 2.
// Zápis je neblokující (WriteAPI s bufferem), chyby se jen logují.
package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"greenhouse-ingestor/internal/reading"
)

type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

type Mirror struct {
	client      influxdb2.Client
	write       api.WriteAPI
	measurement string
	logger      *slog.Logger
	drained     chan struct{}
}

// New ověří dostupnost serveru a otevře neblokující WriteAPI.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Mirror, error) {
	if cfg.Measurement == "" {
		cfg.Measurement = "greenhouse"
	}
	if cfg.Bucket == "" {
		return nil, errors.New("influx bucket je prázdný")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = errors.New("ping neprošel")
		}
		return nil, fmt.Errorf("InfluxDB %s není dostupná: %w", cfg.URL, err)
	}

	m := &Mirror{
		client:      client,
		write:       client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      logger,
		drained:     make(chan struct{}),
	}
	errCh := m.write.Errors()
	go func() {
		defer close(m.drained)
		for err := range errCh {
			m.logger.Error("Chyba zápisu do InfluxDB", "error", err)
		}
	}()
	return m, nil
}

// Record zařadí bod do bufferu WriteAPI.
func (m *Mirror) Record(connID string, at time.Time, r reading.Reading) {
	m.write.WritePoint(Point(m.measurement, connID, at, r))
}

// Close odešle zbytek bufferu a zavře klienta.
func (m *Mirror) Close() {
	m.write.Flush()
	m.client.Close()
	select {
	case <-m.drained:
	case <-time.After(time.Second):
	}
}

// Point převede měření na bod: tag conn_id, jedno pole na atribut.
func Point(measurement, connID string, at time.Time, r reading.Reading) *write.Point {
	tags := map[string]string{}
	if connID != "" {
		tags["conn_id"] = connID
	}
	fields := make(map[string]any, len(reading.Attributes()))
	for _, a := range reading.Attributes() {
		v, _ := r.Field(a)
		fields[string(a)] = v
	}
	return influxdb2.NewPoint(measurement, tags, fields, at)
}
