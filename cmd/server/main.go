package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/answer"
	"github.com/stemsi/exstem-live/internal/catalog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/grading"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/memstore"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/room"
	"github.com/stemsi/exstem-live/internal/router"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/session"
	"github.com/stemsi/exstem-live/internal/validator"
	"github.com/stemsi/exstem-live/internal/worker"
)

const monitorQueueSize = 1024

// submissionBackend is what both storage drivers provide for submissions.
type submissionBackend interface {
	session.SubmissionStore
	service.SubmissionQuery
}

// backend holds the stores chosen by STORAGE_DRIVER.
type backend struct {
	submissions submissionBackend
	answers     session.AnswerStore
	catalog     session.Catalog
	unlocks     session.UnlockStore
	grades      session.GradeQueue
	feed        service.MonitorFeed
	sequencer   room.Sequencer
	relay       room.Relay // nil with the memory driver
	classes     service.ClassDirectory
	posts       service.PostStore

	rdb *redis.Client  // nil with the memory driver
	db  handler.Pinger // nil with the memory driver

	// workers run until ctx is done.
	workers []func(ctx context.Context)
	close   func()
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("storage", cfg.StorageDriver).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Live")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var be *backend
	var err error
	if cfg.StorageDriver == config.StorageDriverMemory {
		be, err = memoryBackend(cfg, log)
	} else {
		be, err = postgresBackend(ctx, cfg, log)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer be.close()

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)

	manager := session.NewManager(session.Deps{
		Submissions: be.submissions,
		Answers:     be.answers,
		Catalog:     be.catalog,
		Unlocks:     be.unlocks,
		Grades:      be.grades,
		Notifier:    be.feed,
	}, session.Options{
		Grace:         cfg.DeadlineGrace,
		TimeJumpAlert: cfg.TimeJumpAlert,
	}, log)

	registry := room.NewRegistry()
	broadcaster := room.NewBroadcaster(registry, be.sequencer, log)
	if be.relay != nil {
		broadcaster.WithRelay(be.relay)
	}
	classroomService := service.NewClassroomService(broadcaster, be.classes, be.posts, log)
	gateService := service.NewExamGateService(be.catalog, be.unlocks, log)
	monitorService := service.NewMonitorService(be.catalog, be.submissions)
	exportService := service.NewExportService(monitorService)

	passwordLimiter := middleware.NewRateLimiter(cfg.VerifyPasswordRatePerMinute, time.Minute)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session:    handler.NewSessionHandler(manager, gateService, log),
		Classroom:  handler.NewClassroomHandler(classroomService, cfg.AllowedOrigins, cfg.WSSendBuffer, log),
		Monitor:    handler.NewMonitorHandler(be.feed, monitorService, log),
		Submission: handler.NewAdminSubmissionHandler(manager, monitorService, exportService, log),
		System:     handler.NewSystemHandler(be.rdb, be.db, manager, registry, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	if err := broadcaster.Listen(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to room events")
	}
	var wg sync.WaitGroup
	workers := append(be.workers, passwordLimiter.Run)
	for _, run := range workers {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(workerCtx)
		}(run)
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, passwordLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for queues to drain.
	workerCancel()
	wg.Wait()

	log.Info().Msg("Shutdown complete")
}

func postgresBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	submissionRepo := repository.NewSubmissionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	examRepo := repository.NewExamRepository(pool)

	answers := answer.NewStore(rdb, answerRepo, log)
	feed := service.NewRedisMonitor(rdb, monitorQueueSize, log)

	be := &backend{
		submissions: submissionRepo,
		answers:     answers,
		catalog:     catalog.New(examRepo, rdb, catalog.DefaultTTL, log),
		unlocks:     service.NewRedisUnlockStore(rdb, cfg.UnlockTTL),
		grades:      grading.NewQueue(rdb),
		feed:        feed,
		sequencer:   room.NewRedisSequencer(rdb),
		relay:       room.NewRedisRelay(rdb, log),
		classes:     repository.NewClassRepository(pool),
		posts:       repository.NewPostRepository(pool),
		rdb:         rdb,
		db:          pool,
		close: func() {
			rdb.Close()
			pool.Close()
		},
	}

	be.workers = append(be.workers,
		feed.Run,
		worker.NewAutosaveWorker(answerRepo, rdb, log).Start,
	)
	if cfg.GraderURL != "" {
		grader := grading.NewHTTPGrader(cfg.GraderURL, cfg.GraderTimeout)
		be.workers = append(be.workers,
			worker.NewGradingWorker(submissionRepo, answers, submissionRepo, grader, rdb, log).Start,
		)
	} else {
		log.Warn().Msg("GRADER_URL is empty, submissions stay in submitted until a grader runs")
	}
	return be, nil
}

func memoryBackend(cfg *config.Config, log zerolog.Logger) (*backend, error) {
	exams := memstore.NewCatalog()
	classes := memstore.NewClasses()
	if cfg.SeedFile != "" {
		if err := memstore.LoadSeed(cfg.SeedFile, cfg.BcryptCost, exams, classes); err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.SeedFile).Msg("Seed loaded")
	}

	log.Warn().Msg("Memory storage: state is lost on restart and grading is disabled")
	return &backend{
		submissions: memstore.NewSubmissions(),
		answers:     memstore.NewAnswers(),
		catalog:     exams,
		unlocks:     memstore.NewUnlocks(cfg.UnlockTTL, nil),
		grades:      memstore.NewGradeQueue(),
		feed:        service.NewLocalMonitor(),
		sequencer:   room.NewMemorySequencer(),
		classes:     classes,
		posts:       memstore.NewPosts(nil),
		close:       func() {},
	}, nil
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
