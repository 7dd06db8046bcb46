// Package dispatch wires the checkout, manifest, task-building, execution,
// scheduling, and notification components into the end-to-end pipeline
// that runs for every accepted webhook.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/izavyalov-dev/dispatchd/checkout"
	"github.com/izavyalov-dev/dispatchd/executor"
	"github.com/izavyalov-dev/dispatchd/ingress"
	"github.com/izavyalov-dev/dispatchd/internal/archive"
	"github.com/izavyalov-dev/dispatchd/internal/config"
	"github.com/izavyalov-dev/dispatchd/internal/observability"
	"github.com/izavyalov-dev/dispatchd/manifest"
	"github.com/izavyalov-dev/dispatchd/notifier"
	"github.com/izavyalov-dev/dispatchd/scheduler"
	"github.com/izavyalov-dev/dispatchd/task"
)

var ErrUnknownTask = errors.New("dispatch: unknown task id")

// Service is the process-wide dispatcher: it owns every task ever accepted
// this run (no persistence across restarts), the checkout slots, and the
// per-key scheduler.
type Service struct {
	cfg      config.ServerConfig
	checkout *checkout.Manager
	notify   *notifier.Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	archiver archive.Archiver

	scheduler *scheduler.Scheduler

	// ctx is canceled only by Shutdown, never by an individual webhook
	// request. Every checkout/execution pipeline runs against this
	// context rather than the HTTP request's, since the request's
	// context is canceled the instant the 202 response is written, long
	// before the scheduled work even starts.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*task.Task
}

func New(cfg config.ServerConfig, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = observability.NewLogger("dispatch")
	}

	var archiver archive.Archiver = archive.NoopArchiver{}
	if cfg.Archive.Enabled() {
		if a, err := archive.NewS3Archiver(context.Background(), archive.S3Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Region: cfg.Archive.Region,
		}); err != nil {
			logger.Warn("archive init failed, archival disabled", "error", err)
		} else {
			archiver = a
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		cfg:      cfg,
		checkout: checkout.NewManager(cfg.CheckoutRoot),
		notify:   notifier.New(logger),
		metrics:  metrics,
		logger:   logger,
		archiver: archiver,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task.Task),
	}
	svc.scheduler = scheduler.New(scheduler.RunnerFunc(svc.runTask))
	return svc
}

// Shutdown cancels the server-lifetime context shared by every in-flight
// checkout/execution pipeline. Subprocesses are started with that context,
// so any still running are killed. Shutdown does not wait for in-flight or
// queued tasks to finish.
func (s *Service) Shutdown() {
	s.cancel()
}

// TaskURL returns the URL referencing a task's status endpoint, made
// absolute with the configured hostname when one is set.
func (s *Service) TaskURL(id string) string {
	return s.cfg.PublicURL(fmt.Sprintf("/tasks/%s", id))
}

// Accept creates a task for a decoded push event, pre-creates its log file
// so status can always be reported, registers the task, and schedules it.
// It never blocks on checkout or execution.
func (s *Service) Accept(ctx context.Context, event ingress.PushEvent) (*task.Task, error) {
	key := task.BranchKey{Owner: event.Owner, Repo: event.Repo, Branch: event.Branch}

	t := task.NewTask(key, event.SHA, event.CloneURL, "")
	logPath := filepath.Join(s.cfg.LogRoot, t.ID+".log")
	t.LogPath = logPath

	if err := os.WriteFile(logPath, []byte("task pending\n"), 0o644); err != nil {
		return nil, fmt.Errorf("dispatch: could not create log file: %w", err)
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	// Not ctx: the request that triggered this accept will be gone long
	// before checkout and execution finish.
	s.scheduler.Enqueue(s.ctx, t)
	return t, nil
}

// Lookup returns the registered task for id, if any.
func (s *Service) Lookup(id string) (*task.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *Service) runTask(ctx context.Context, t *task.Task) {
	logger := observability.WithTask(observability.WithBranchKey(s.logger, t.Key.String()), t.ID)

	t.MarkRunning()
	start := time.Now()

	slot := s.checkout.SlotFor(t.Key)
	slot.Lock()
	defer slot.Unlock()

	if err := s.checkout.Prepare(ctx, slot, t.Key, t.CloneURL, t.SHA); err != nil {
		logger.Error("checkout failed", "error", err)
		s.finish(ctx, t, task.StatusFailed, -1, "", start, logger)
		s.metrics.IncCheckout("failed")
		return
	}
	s.metrics.IncCheckout("success")

	branch, err := manifest.Load(slot.Path(), t.Key.Branch)
	if err != nil {
		logger.Error("manifest load failed", "error", err)
		s.finish(ctx, t, task.StatusFailed, -1, "", start, logger)
		return
	}

	env := s.cfg.EnvFor(t.Key.Owner, t.Key.Repo, t.Key.Branch)
	inv, err := task.BuildInvocation(slot.Path(), branch, env)
	if err != nil {
		logger.Error("build invocation failed", "error", err)
		s.finish(ctx, t, task.StatusFailed, -1, branch.NotifyURL, start, logger)
		return
	}

	go s.notify.Notify(ctx, inv.NotifyURL, s.taskMessage(t, notifier.StateStarted))

	result, err := executor.Run(ctx, inv.Dir, inv.Argv, inv.Env, t.LogPath)
	if err != nil {
		logger.Error("execution failed to spawn", "error", err)
		s.finish(ctx, t, task.StatusFailed, -1, inv.NotifyURL, start, logger)
		return
	}

	status := task.StatusSuccess
	if result.ExitCode != 0 {
		status = task.StatusFailed
	}
	s.finish(ctx, t, status, result.ExitCode, inv.NotifyURL, start, logger)
}

func (s *Service) finish(ctx context.Context, t *task.Task, status task.Status, exitCode int, notifyURL string, start time.Time, logger *slog.Logger) {
	t.MarkTerminal(status, exitCode)
	s.metrics.IncTask(string(status))
	s.metrics.ObserveTaskDuration(string(status), time.Since(start).Seconds())

	notifyState := notifier.StateSuccess
	if status == task.StatusFailed {
		notifyState = notifier.StateFailed
	}
	// ctx is the service's own server-lifetime context already, not the
	// originating webhook request's, so delivery survives the request
	// that triggered it and is only cut off by process shutdown.
	go s.notify.Notify(ctx, notifyURL, s.taskMessage(t, notifyState))
	s.metrics.IncNotification(string(status))

	localLogURL := s.TaskURL(t.ID) + "/log"
	t.SetLogURL(localLogURL)
	if _, noop := s.archiver.(archive.NoopArchiver); noop {
		return
	}

	go func() {
		uri, err := s.archiver.Archive(context.Background(), t.ID, t.LogPath)
		if err != nil {
			logger.Warn("archive failed", "error", err)
			t.SetLogURL(localLogURL)
			return
		}
		t.SetLogURL(uri)
	}()
}

func (s *Service) taskMessage(t *task.Task, state notifier.State) notifier.Message {
	return notifier.Message{
		Status:  string(state),
		Failed:  state == notifier.StateFailed,
		TaskURL: s.TaskURL(t.ID),
		Owner:   t.Key.Owner,
		Repo:    t.Key.Repo,
		Branch:  t.Key.Branch,
		TaskID:  t.ID,
	}
}
