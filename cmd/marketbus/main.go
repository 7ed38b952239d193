package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/config"
	"github.com/Aidin1998/marketbus/internal/marketdata/collector"
	"github.com/Aidin1998/marketbus/internal/marketdata/instrument"
	"github.com/Aidin1998/marketbus/internal/marketdata/record"
	"github.com/Aidin1998/marketbus/internal/marketdata/transport"
	"github.com/Aidin1998/marketbus/internal/server"
	"github.com/Aidin1998/marketbus/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	var paths []string
	if p := os.Getenv("MARKETBUS_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	bootLogger, _ := logger.NewLogger(logger.Config{Level: os.Getenv("MARKETBUS_LOG_LEVEL")})
	cfg, err := config.Load(bootLogger, paths...)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	zapLogger, err := logger.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("Server failed", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hc, err := collector.New(record.DefaultScheme(),
		collector.WithConfig(cfg.Collector.CollectorOptions()),
		collector.WithLogger(zapLogger),
		collector.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer hc.Close()
	hc.Start(ctx)

	instruments := instrument.NewMemoryProvider()
	if cfg.Instruments.Catalogue != "" {
		if instruments, err = instrument.LoadCatalogue(cfg.Instruments.Catalogue); err != nil {
			return err
		}
		zapLogger.Info("Instrument catalogue loaded", zap.Int("instruments", instruments.Len()))
	}

	var wg sync.WaitGroup
	backend, err := newBackend(cfg, zapLogger)
	if err != nil {
		return err
	}
	if backend != nil {
		defer backend.Close()
		bridge := transport.NewBridge(transport.NewJSONCodec(hc.Scheme()), backend, zapLogger)
		for _, ch := range cfg.Ingest.Channels {
			wg.Add(1)
			go func(ch string) {
				defer wg.Done()
				if err := bridge.Ingest(ctx, ch, hc); err != nil {
					zapLogger.Error("Ingest stopped", zap.String("channel", ch), zap.Error(err))
				}
			}(ch)
		}
	}

	srv := server.NewServer(zapLogger, hc, instruments, reg)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr, cfg.Server.ReadTimeout) }()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down server...")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		zapLogger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	stop()
	wg.Wait()
	return nil
}

func newBackend(cfg *config.Config, zapLogger *zap.Logger) (transport.Backend, error) {
	switch cfg.Ingest.Backend {
	case "redis":
		b := transport.NewRedisBackend(transport.NewRedisClient(cfg.Redis), zapLogger)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		defer cancel()
		if err := b.Ping(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return b, nil
	case "kafka":
		return transport.NewKafkaBackend(cfg.Kafka, zapLogger), nil
	}
	return nil, nil
}
