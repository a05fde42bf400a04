// Command classify runs the leaf disease model on local image files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/Brownie44l1/redrot-api/internal/classifier"
	"github.com/Brownie44l1/redrot-api/internal/config"
	"github.com/Brownie44l1/redrot-api/internal/logging"
	"github.com/Brownie44l1/redrot-api/internal/model"
)

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		logrus.Warn(err)
	}

	cfg, err := config.LoadClassify("redrot-classify", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	files := cfg.Args
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: classify [flags] <image> [image...]")
		os.Exit(2)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatal(err)
	}

	modelServer, err := model.NewServer(model.Config{
		ModelPath:         cfg.ModelPath,
		MetadataPath:      cfg.MetadataPath,
		SharedLibraryPath: cfg.OrtLibraryPath,
		Sessions:          cfg.Sessions,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to load model: %v", err)
	}
	defer modelServer.Close()

	svc, err := classifier.NewService(modelServer, modelServer.Metadata, classifier.Options{
		TopK:      cfg.TopK,
		MaxPixels: cfg.MaxPixels,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize classifier: %v", err)
	}

	failed := 0
	for _, path := range files {
		if err := classifyFile(context.Background(), svc, path, cfg.TopK); err != nil {
			logger.WithError(err).WithField("file", path).Error("Classification failed")
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func classifyFile(ctx context.Context, svc *classifier.Service, path string, topK int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	res, err := svc.Classify(ctx, classifier.Request{ID: path, Image: data, TopK: topK})
	if err != nil {
		return err
	}

	fmt.Printf("\nTop %d predictions for %s:\n", len(res.Predictions), path)
	fmt.Println("============================================")
	for i, p := range res.Predictions {
		fmt.Printf("%d. %-30s %6.2f%%\n", i+1, p.Label, p.Probability*100)
	}
	return nil
}
