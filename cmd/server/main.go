package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/israelluze/classifyimage/config"
	"github.com/israelluze/classifyimage/internal/artifact"
	"github.com/israelluze/classifyimage/internal/classifier"
	"github.com/israelluze/classifyimage/internal/extractor"
	"github.com/israelluze/classifyimage/internal/handlers"
	"github.com/israelluze/classifyimage/internal/imaging"
	"github.com/israelluze/classifyimage/internal/inference"
	"github.com/israelluze/classifyimage/internal/pipeline"

	custom_logger "github.com/israelluze/classifyimage/internal/logger"
)

func newStore(ctx context.Context, cfg *config.AppConfig) (artifact.Store, func(), error) {
	if cfg.Artifact.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Artifact.Redis.Addr,
			Password: cfg.Artifact.Redis.Password,
			DB:       cfg.Artifact.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Artifact.Redis.Addr, err)
		}
		return artifact.NewRedisStore(client, cfg.Artifact.Redis.Key), func() { client.Close() }, nil
	}
	return artifact.NewFileStore(cfg.Assets.ArtifactPath()), func() {}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.ParseConfigFlag())
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	custom_logger.SetDebug(cfg.Server.Debug)
	logger, _ := custom_logger.GetZapLogger(ctx)
	defer logger.Sync() //nolint:errcheck

	settings := imaging.Settings{
		Height:        cfg.Image.Height,
		Width:         cfg.Image.Width,
		Mean:          cfg.Image.Mean,
		Scale:         cfg.Image.Scale,
		ChannelsLast:  cfg.Image.ChannelsLast,
		Interpolation: cfg.Image.Interpolation,
		Crop:          cfg.Image.Crop,
	}

	extractorPath := cfg.Assets.Path(cfg.Assets.ExtractorPath)
	logger.Info("loading feature extractor", zap.String("path", extractorPath))
	fx, err := extractor.NewONNX(extractor.ONNXConfig{
		SharedLibrary: cfg.Extractor.SharedLibrary,
		ModelPath:     extractorPath,
		InputName:     cfg.Extractor.InputName,
		OutputName:    cfg.Extractor.OutputName,
		Dim:           cfg.Extractor.Dim,
		Height:        cfg.Image.Height,
		Width:         cfg.Image.Width,
		ChannelsLast:  cfg.Image.ChannelsLast,
	})
	if err != nil {
		logger.Fatal("failed to initialize feature extractor", zap.Error(err))
	}
	defer fx.Close()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open artifact store", zap.Error(err))
	}
	defer closeStore()

	trainer, err := pipeline.NewTrainer(pipeline.Config{
		ManifestPath: cfg.Assets.ManifestPath(),
		ImageRoot:    cfg.Assets.TrainImagesDir(),
		Preprocess:   settings,
		Classifier: classifier.Options{
			MaxIterations: cfg.Trainer.MaxIterations,
			Tolerance:     cfg.Trainer.Tolerance,
			L2:            cfg.Trainer.L2,
			Memory:        cfg.Trainer.Memory,
		},
		Workers:   cfg.Trainer.Workers,
		BatchSize: cfg.Extractor.BatchSize,
		Timeout:   cfg.Trainer.Timeout,
	}, fx, store)
	if err != nil {
		logger.Fatal("failed to create trainer", zap.Error(err))
	}

	engine := inference.NewEngine(trainer, store, fx, cfg.Assets.PredictImagesDir())
	handler := handlers.NewHandler(engine)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handlers.Routes(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("server starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("manifest", cfg.Assets.ManifestPath()),
		zap.String("predict.dir", engine.PredictDir()),
		zap.String("artifact.backend", cfg.Artifact.Backend),
	)
	logger.Info("endpoints",
		zap.Strings("routes", []string{
			"GET /health",
			"GET /api/ml/{imageName}",
			"POST /api/ml/train",
			"POST /api/ml/upload",
		}),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}
