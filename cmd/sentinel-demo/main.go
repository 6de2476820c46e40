package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-sentinel/v1/events"
	"github.com/mirkobrombin/go-sentinel/v1/metrics"
	"github.com/mirkobrombin/go-sentinel/v1/presets"
	"github.com/mirkobrombin/go-sentinel/v1/verify"
)

var (
	configPath = flag.String("config", "", "YAML configuration file; empty runs in memory")
	listenAddr = flag.String("listen", ":2112", "Address serving /metrics")
	natsURL    = flag.String("nats", "", "NATS URL for lock events; empty uses the preset bus")
)

func main() {
	flag.Parse()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Fatal(err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	defer func() { _ = tp.Shutdown(ctx) }()
	otel.SetTracerProvider(tp)

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	opts := []presets.Option{
		presets.WithMetrics(reg),
		presets.WithTracerProvider(tp),
		presets.WithLogger(logger),
	}
	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer nc.Close()
		opts = append(opts, presets.WithBus(events.NewNATSBus(nc, "")))
	}

	var stack *presets.Stack
	if *configPath == "" {
		stack, err = presets.NewInMemory(presets.DefaultConfig(), opts...)
	} else {
		cfg, lerr := presets.LoadConfig(*configPath)
		if lerr != nil {
			log.Fatalf("config: %v", lerr)
		}
		stack, err = presets.NewRedis(cfg, opts...)
	}
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer stack.Close()

	ok, err := stack.Locks.Do(ctx, "demo-job", 10*time.Second, func(ctx context.Context) error {
		code, err := stack.Codes.Generate(ctx, "demo@example.com", verify.EmailLogin)
		if err != nil {
			return err
		}
		verified, err := stack.Codes.Verify(ctx, "demo@example.com", code, verify.EmailLogin)
		if err != nil {
			return err
		}
		logger.Info("demo verification finished", "verified", verified)
		return nil
	})
	if err != nil {
		log.Fatalf("demo: %v", err)
	}
	logger.Info("demo lock section finished", "ran", ok)

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", "addr", *listenAddr)
	log.Fatal(http.ListenAndServe(*listenAddr, nil))
}
