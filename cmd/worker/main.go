// Command worker runs exactly one of the staged processing roles against
// the shared database and data directory: scan, image-proxy, video-proxy,
// ai-light, video-ai, ai-full, maintenance, or one of the two repair
// sweeps (repair-derivatives, repair-model-mismatch). Database connect,
// repository construction, and signal-driven shutdown are wired through
// workerbase.Runner's generic loop, which drives whichever processor the
// selected mode builds.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"mediaindex/config"
	"mediaindex/internal/db"
	"mediaindex/internal/maintenance"
	"mediaindex/internal/mediastore"
	"mediaindex/internal/memwatch"
	"mediaindex/internal/repository"
	"mediaindex/internal/scanner"
	"mediaindex/internal/vision"
	"mediaindex/internal/workerbase"
	"mediaindex/internal/workers"

	"go.uber.org/zap"
)

func main() {
	mode := flag.String("mode", os.Getenv("WORKER_MODE"), "scan|image-proxy|video-proxy|ai-light|video-ai|ai-full|maintenance|repair-derivatives|repair-model-mismatch")
	flag.Parse()

	if *mode == "" {
		log.Fatal("worker: -mode (or WORKER_MODE) is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("worker: load config: %v", err)
	}

	ctx := context.Background()
	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("worker: connect database: %v", err)
	}
	defer database.Close()

	assets := repository.NewAssetRepository(database.Pool)
	libraries := repository.NewLibraryRepository(database.Pool)
	scenes := repository.NewSceneRepository(database.Pool)
	workerRepo := repository.NewWorkerRepository(database.Pool)
	sysMeta := repository.NewSystemMetadataRepository(database.Pool)
	aiModels := repository.NewAIModelRepository(database.Pool)
	store := mediastore.New(cfg.DataDir)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	workerID := cfg.Worker.WorkerID

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("worker_id", workerID, "mode", *mode)

	zapLogger, err := zap.NewProduction()
	if err != nil {
		zapLogger = zap.NewNop()
	}
	defer zapLogger.Sync()

	exitFlag := workerbase.NewExitFlag()

	processor, err := buildProcessor(*mode, cfg, assets, libraries, scenes, workerRepo, aiModels, store, logger, zapLogger, hostname, exitFlag)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	runner := &workerbase.Runner{
		WorkerID:          workerID,
		Hostname:          hostname,
		Workers:           workerRepo,
		SystemMetadata:    sysMeta,
		Processor:         processor,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		IdlePoll:          cfg.Worker.IdlePoll,
		RingBuffer:        workerbase.NewRingBuffer(500),
		DumpPath:          fmt.Sprintf("%s/worker-%s-dump.log", cfg.DataDir, workerID),
		Exit:              exitFlag,
	}

	log.Printf("worker %s starting in %s mode", workerID, *mode)
	if err := runner.Run(ctx); err != nil {
		log.Fatalf("worker: run loop exited: %v", err)
	}
	log.Printf("worker %s stopped", workerID)
}

func buildProcessor(
	mode string,
	cfg *config.AppConfig,
	assets repository.AssetRepository,
	libraries repository.LibraryRepository,
	scenes repository.SceneRepository,
	workerRepo repository.WorkerRepository,
	aiModels repository.AIModelRepository,
	store *mediastore.Store,
	logger *slog.Logger,
	zapLogger *zap.Logger,
	hostname string,
	exitFlag *workerbase.ExitFlag,
) (workerbase.Processor, error) {
	visionSvc := vision.NewServiceWithLogger(cfg.Vision, zapLogger)

	switch mode {
	case "scan":
		return &workers.ScanWorker{
			Libraries: libraries,
			Scanner: &scanner.Scanner{
				Assets:    assets,
				Libraries: libraries,
				Memory:    memwatch.New(),
			},
		}, nil

	case "image-proxy":
		return &workers.ImageProxyWorker{
			Assets:       assets,
			Libraries:    libraries,
			Store:        store,
			WorkerID:     cfg.Worker.WorkerID,
			LeaseSeconds: cfg.Worker.LeaseSeconds,
			Logger:       logger,
		}, nil

	case "video-proxy":
		return &workers.VideoProxyWorker{
			Assets:       assets,
			Libraries:    libraries,
			Scenes:       scenes,
			Store:        store,
			WorkerID:     cfg.Worker.WorkerID,
			LeaseSeconds: cfg.Worker.LeaseSeconds,
			Logger:       logger,
			Cancelled:    exitFlag.Interrupted,
		}, nil

	case "ai-light":
		return &workers.AILightWorker{
			Assets:       assets,
			Libraries:    libraries,
			AIModels:     aiModels,
			Vision:       visionSvc,
			Store:        store,
			WorkerID:     cfg.Worker.WorkerID,
			ModelName:    cfg.Vision.Model,
			BatchSize:    cfg.Worker.BatchSize,
			LeaseSeconds: cfg.Worker.LeaseSeconds,
			Logger:       logger,
		}, nil

	case "video-ai":
		return &workers.VideoAIWorker{
			Assets:       assets,
			Scenes:       scenes,
			AIModels:     aiModels,
			Vision:       visionSvc,
			Store:        store,
			WorkerID:     cfg.Worker.WorkerID,
			ModelName:    cfg.Vision.Model,
			LeaseSeconds: cfg.Worker.LeaseSeconds,
			Logger:       logger,
		}, nil

	case "ai-full":
		return &workers.AIFullWorker{
			Assets:       assets,
			Libraries:    libraries,
			AIModels:     aiModels,
			Vision:       visionSvc,
			Store:        store,
			WorkerID:     cfg.Worker.WorkerID,
			ModelName:    cfg.Vision.Model,
			BatchSize:    cfg.Worker.BatchSize,
			LeaseSeconds: cfg.Worker.LeaseSeconds,
			Logger:       logger,
		}, nil

	case "repair-derivatives":
		return &workers.ImageDerivativeRepairWorker{
			Worker: &workers.ImageProxyWorker{
				Assets:       assets,
				Libraries:    libraries,
				Store:        store,
				WorkerID:     cfg.Worker.WorkerID,
				LeaseSeconds: cfg.Worker.LeaseSeconds,
				Logger:       logger,
			},
			Interval: cfg.Maintenance.HeartbeatFreshFor * 5,
			Logger:   logger,
		}, nil

	case "repair-model-mismatch":
		return &workers.ModelMismatchRepairWorker{
			AI: &workers.AILightWorker{
				Assets:       assets,
				Libraries:    libraries,
				AIModels:     aiModels,
				Vision:       visionSvc,
				Store:        store,
				WorkerID:     cfg.Worker.WorkerID,
				ModelName:    cfg.Vision.Model,
				LeaseSeconds: cfg.Worker.LeaseSeconds,
				Logger:       logger,
			},
			Libraries: libraries,
			Interval:  cfg.Maintenance.HeartbeatFreshFor * 5,
			Logger:    logger,
		}, nil

	case "maintenance":
		return &workers.MaintenanceWorker{
			Service: &maintenance.Service{
				Workers:   workerRepo,
				Assets:    assets,
				Scenes:    scenes,
				Libraries: libraries,
				Store:     store,
				Hostname:  hostname,
			},
			Interval: cfg.Maintenance.HeartbeatFreshFor * 5,
		}, nil

	default:
		return nil, fmt.Errorf("unknown worker mode %q", mode)
	}
}
