package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"greenhouse-ingestor/internal/api"
	"greenhouse-ingestor/internal/config"
	"greenhouse-ingestor/internal/dispatch"
	"greenhouse-ingestor/internal/hub"
	"greenhouse-ingestor/internal/influx"
	"greenhouse-ingestor/internal/ingest"
	"greenhouse-ingestor/internal/metrics"
	"greenhouse-ingestor/internal/mqttbridge"
	"greenhouse-ingestor/internal/storage"
	"greenhouse-ingestor/internal/sysstat"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML soubor s konfigurací (volitelný)")
	envFile := pflag.String("env-file", "", ".env soubor (volitelný)")
	pflag.Parse()

	// 1. Načtení konfigurace
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		slog.Error("Kritická chyba: neplatná konfigurace", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Služba skončila s chybou", "error", err)
		os.Exit(1)
	}
}

// run drží celý životní cyklus, aby se defery provedly i při chybě.
func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. MQTT klient musí vzniknout dřív než logger, pokud se má logovat i do MQTT.
	var (
		mqttClient mqtt.Client
		logOut     io.Writer = os.Stdout
	)
	if cfg.MQTTBroker != "" {
		c, err := mqttbridge.Dial(cfg.MQTTBroker, cfg.MQTTClientID, 10*time.Second)
		if err != nil {
			// Bez MQTT ingest funguje dál, jen bez mostu.
			slog.Warn("MQTT nedostupné, most vypnut", "error", err)
		} else {
			mqttClient = c
			defer mqttClient.Disconnect(250)
			if cfg.MQTTLogs {
				lw := mqttbridge.NewLogWriter(mqttClient, config.ServiceName, 256)
				defer lw.Close()
				logOut = io.MultiWriter(os.Stdout, lw)
			}
		}
	}

	// 3. Logger (JSON na stdout, volitelně i do MQTT)
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("Spouštím službu Greenhouse Ingestor", "config", cfg)

	// 4. Metriky a hub
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	h := hub.New(64)

	// 5. Databáze. Nedostupná DB při startu není fatální, připojit jde později příkazem.
	gw := storage.NewGateway(storage.PoolOpener(cfg.PostgresURL), storage.Options{
		Timeout: cfg.DBTimeout,
		Logger:  logger,
		Events:  h,
		Metrics: m,
	})
	defer gw.Close()
	if cfg.DBConnectOnStart {
		if err := gw.Connect(ctx); err != nil {
			logger.Warn("DB zatím nedostupná, měření se neukládají", "error", err)
		}
	}

	// 6. Volitelné sinky: Valkey (poslední měření) a InfluxDB (zrcadlo)
	dopts := dispatch.Options{Logger: logger, Events: h}
	var latestReader api.LatestReader
	if cfg.ValkeyAddr != "" {
		latest, err := storage.DialLatestCache(ctx, cfg.ValkeyAddr, cfg.LatestTTL)
		if err != nil {
			logger.Warn("Valkey nedostupné, cache posledního měření vypnuta", "error", err)
		} else {
			defer latest.Close()
			dopts.Latest = latest
			latestReader = latest
		}
	}
	if cfg.InfluxURL != "" {
		mirror, err := influx.New(ctx, influx.Config{
			URL:         cfg.InfluxURL,
			Token:       cfg.InfluxToken,
			Org:         cfg.InfluxOrg,
			Bucket:      cfg.InfluxBucket,
			Measurement: cfg.InfluxMeasurement,
		}, logger)
		if err != nil {
			logger.Warn("InfluxDB nedostupná, zrcadlo vypnuto", "error", err)
		} else {
			defer mirror.Close()
			dopts.Mirror = mirror
		}
	}

	// 7. TCP listener pro zařízení. Chyba bindu je fatální.
	ln, err := ingest.Listen(ctx, fmt.Sprintf(":%d", cfg.ListenPort), ingest.Options{
		Framing:         cfg.Framing,
		MaxMessageBytes: cfg.MaxMessageBytes,
		ReadBufferBytes: cfg.ReadBufferBytes,
		SendQueue:       cfg.SendQueue,
		WriteTimeout:    cfg.WriteTimeout,
		Logger:          logger,
		Events:          h,
		Metrics:         m,
	})
	if err != nil {
		return err
	}

	// 8. Dispatcher: příkazy z hubu a ukládání dekódovaných měření
	d := dispatch.New(gw, ln, dopts)
	var wg sync.WaitGroup

	readings := h.Subscribe(256, hub.ReadingDecoded)
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Odběr zavíráme až po konci konzumenta, Publish pak nikdy nezůstane viset.
		defer readings.Close()
		d.Run(ctx, h.Commands(), readings.C)
	}()

	// 9. MQTT most: události ven, příkazy dovnitř, periodicky stav systému
	stats := sysstat.NewCollector(logger)
	if mqttClient != nil {
		events := h.Subscribe(256)
		fwd := mqttbridge.NewEventForwarder(mqttClient, cfg.MQTTEventTopic, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer events.Close()
			fwd.Run(ctx, events.C)
		}()

		if err := mqttbridge.NewCommandListener(h, logger).Subscribe(mqttClient, cfg.MQTTCommandTopic); err != nil {
			logger.Error("Subscribe příkazů selhal", "topic", cfg.MQTTCommandTopic, "error", err)
		} else {
			logger.Info("Poslouchám příkazy na topicu", "topic", cfg.MQTTCommandTopic)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			stats.Run(ctx, cfg.StatsInterval, publishStats(mqttClient, cfg.MQTTEventTopic+"/system", logger))
		}()
	}

	// 10. HTTP server (API, health, metriky). Port 0 = vypnuto.
	var server *http.Server
	if cfg.HTTPPort != 0 {
		mux := http.NewServeMux()
		api.NewAPIHandler(api.Deps{
			Commands: d,
			Conns:    ln,
			DB:       gw,
			Latest:   latestReader,
			Stats:    stats,
			Gatherer: reg,
		}, logger).RegisterRoutes(mux)

		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:           api.CorsMiddleware("", api.RequestLogger(logger, mux)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("HTTP server naslouchá", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server spadl", "error", err)
				stop()
			}
		}()
	}

	// 11. Příjem spojení. Blokuje do SIGINT/SIGTERM, pak ukončí všechny workery.
	serveErr := ln.Serve(ctx)
	stop()
	logger.Info("Ukončuji službu...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server se neukončil čistě", "error", err)
		}
		cancel()
	}
	wg.Wait()
	// Zde proběhnou defery (influx flush, valkey, db, mqtt)
	return serveErr
}

// publishStats posílá snímek stavu jako JSON, na potvrzení nečeká.
func publishStats(client mqttbridge.Publisher, topic string, logger *slog.Logger) func(sysstat.Stats) {
	return func(s sysstat.Stats) {
		payload, err := json.Marshal(s)
		if err != nil {
			logger.Error("Stav systému nejde serializovat", "error", err)
			return
		}
		client.Publish(topic, 0, false, payload)
		logger.Debug("Stav systému odeslán", "topic", topic, "goroutines", s.Goroutines)
	}
}
