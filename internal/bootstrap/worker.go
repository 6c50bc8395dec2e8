package bootstrap

import (
	"context"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"mailwatch_server/adapter/in/worker"
	"mailwatch_server/adapter/out/messaging"
	"mailwatch_server/config"
	"mailwatch_server/pkg/logger"

	"github.com/rs/zerolog"
)

// Worker runs the job pool, the stream consumer, and both lifecycle
// schedulers.
type Worker struct {
	pool     *worker.Pool
	consumer *messaging.Consumer
	deps     *Dependencies
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	zlog     zerolog.Logger

	refreshScheduler *worker.TokenRefreshScheduler
	watchScheduler   *worker.WatchScheduler
}

func NewWorker(cfg *config.Config, deps *Dependencies) *Worker {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	tokenProcessor := worker.NewTokenProcessor(deps.TokenService)
	watchProcessor := worker.NewWatchProcessor(deps.WatchService)
	notificationProcessor := worker.NewNotificationProcessor(deps.IngestService)

	handler := worker.NewHandler(
		tokenProcessor,
		watchProcessor,
		notificationProcessor,
	)

	defaultConfig := worker.DefaultPoolConfig()
	poolConfig := &worker.PoolConfig{
		MaxWorkers:       cfg.WorkerMax,
		QueueSize:        cfg.WorkerQueueSize,
		JobTimeout:       defaultConfig.JobTimeout,
		JobTimeoutByType: defaultConfig.JobTimeoutByType,
		BatchSize:        defaultConfig.BatchSize,
		WorkerChanSize:   defaultConfig.WorkerChanSize,
	}

	if poolConfig.MaxWorkers == 0 {
		poolConfig.MaxWorkers = defaultConfig.MaxWorkers
	}
	if poolConfig.QueueSize == 0 {
		poolConfig.QueueSize = defaultConfig.QueueSize
	}

	pool := worker.NewPool(handler, poolConfig, zlog)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if cfg.SchedulerEnabled {
		w.refreshScheduler = worker.NewTokenRefreshScheduler(deps.TokenService, cfg.TokenSweepInterval)
		w.watchScheduler = worker.NewWatchScheduler(deps.WatchService, cfg.WatchSweepInterval)
		logger.Info("Lifecycle schedulers configured (token refresh, watch renewal)")
	}

	if deps.Redis != nil {
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:    "mailwatch-workers",
			Consumer: cfg.WorkerID,
			Streams:  messaging.Streams,
			Handler:  &streamHandler{worker: w},
			Logger:   zlog,
		})
		logger.Info("Redis Stream Consumer configured for %d streams", len(messaging.Streams))
	} else {
		logger.Warn("Redis not available, worker will only run scheduled sweeps")
	}

	return w
}

// streamHandler adapts Redis Stream messages to the worker pool.
type streamHandler struct {
	worker *Worker
}

func (h *streamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Error("[StreamHandler] Failed to parse payload from %s: %v", stream, err)
		return err
	}

	jobType := streamToJobType(stream)
	msg := worker.NewMessage(jobType, payload)

	if !h.worker.pool.Submit(msg) {
		logger.Error("[StreamHandler] Failed to submit job to pool: %s", jobType)
	}

	return nil
}

// streamToJobType maps Redis stream names to job types.
func streamToJobType(stream string) string {
	switch stream {
	case messaging.StreamTokenRefresh:
		return worker.JobTokenRefresh
	case messaging.StreamWatchRenew:
		return worker.JobWatchRenew
	case messaging.StreamWatchSetup:
		return worker.JobWatchSetup
	case messaging.StreamNotify:
		return worker.JobNotification
	default:
		return stream
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pool.Start()
	}()

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("Starting Redis Stream Consumer...")
			if err := w.consumer.Run(w.ctx); err != nil && err != context.Canceled {
				w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
			}
		}()
	}

	if w.refreshScheduler != nil {
		w.refreshScheduler.Start()
	}
	if w.watchScheduler != nil {
		w.watchScheduler.Start()
	}

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()

	if w.refreshScheduler != nil {
		w.refreshScheduler.Stop()
	}
	if w.watchScheduler != nil {
		w.watchScheduler.Stop()
	}

	w.pool.Stop()
	w.wg.Wait()
}

func (w *Worker) Submit(msg *worker.Message) bool {
	if msg.IsPriority() {
		return w.pool.SubmitPriority(msg)
	}
	return w.pool.Submit(msg)
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

// Pool exposes the underlying pool for metrics wiring.
func (w *Worker) Pool() *worker.Pool {
	return w.pool
}
