package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/Brownie44l1/redrot-api/internal/classifier"
	"github.com/Brownie44l1/redrot-api/internal/config"
	"github.com/Brownie44l1/redrot-api/internal/handlers"
	"github.com/Brownie44l1/redrot-api/internal/logging"
	"github.com/Brownie44l1/redrot-api/internal/model"
	"github.com/Brownie44l1/redrot-api/internal/queue"
)

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		logrus.Warn(err)
	}

	cfg, err := config.Load("redrot-server", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Fatal(err)
	}
	logger.Info("Server stopped")
}

// run returns only after the HTTP server and the queue worker have
// stopped and the model has been released.
func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	logger.Infof("Loading model from: %s", cfg.ModelPath)
	modelServer, err := model.NewServer(model.Config{
		ModelPath:         cfg.ModelPath,
		MetadataPath:      cfg.MetadataPath,
		SharedLibraryPath: cfg.OrtLibraryPath,
		Sessions:          cfg.Sessions,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize model server: %w", err)
	}
	defer modelServer.Close()

	svc, err := classifier.NewService(modelServer, modelServer.Metadata, classifier.Options{
		TopK:      cfg.TopK,
		MaxPixels: cfg.MaxPixels,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workers sync.WaitGroup
	if cfg.AMQPURL != "" {
		worker, err := queue.Dial(cfg.AMQPURL, cfg.AMQPQueue, svc, logger)
		if err != nil {
			return fmt.Errorf("failed to start queue worker: %w", err)
		}
		// runs after workers.Wait below, before modelServer.Close
		defer worker.Close()

		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := worker.Run(ctx); err != nil {
				logger.WithError(err).Error("Queue worker stopped")
				cancel()
			}
		}()
	}
	defer func() {
		cancel()
		workers.Wait()
	}()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", cfg.Port, err)
	}

	handler := handlers.NewHandler(svc, cfg.MaxUploadBytes, logger)
	srv := &http.Server{
		Handler:           handler.Routes(cfg.CORSOrigin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithFields(logrus.Fields{
		"port":    cfg.Port,
		"classes": modelServer.Metadata.Classes,
	}).Info("Server starting")
	logger.Info("Endpoints:")
	logger.Info("  GET  /health          - Health check")
	logger.Info("  POST /predict         - Raw tensor prediction")
	logger.Info("  POST /predict/image   - Predict from image upload")
	logger.Info("  POST /predict/dataurl - Predict from camera data URL")
	logger.Infof("Upload test: curl -X POST -F \"image=@leaf.jpg\" http://localhost:%s/predict/image", cfg.Port)

	return serve(ctx, srv, ln, cfg.ShutdownTimeout, logger)
}

// serve blocks until ctx is done and every in-flight request has
// finished, or the shutdown timeout expires.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, logger logrus.FieldLogger) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Graceful shutdown failed")
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		// Serve failed before shutdown; nothing is in flight.
		return fmt.Errorf("server failed: %w", err)
	}
	<-done
	return nil
}
