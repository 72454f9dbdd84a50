// Package supervisor owns the lifecycle of the update and whisper
// workers and exposes a point-in-time snapshot of their counters.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/lilith-daemons/internal/clock"
	"github.com/lilith-daemons/internal/logging"
	"github.com/lilith-daemons/internal/update"
	"github.com/lilith-daemons/internal/whisper"
)

// ErrAlreadyRunning is returned by Start on a running supervisor.
var ErrAlreadyRunning = errors.New("supervisor already running")

// Worker is a long-running loop that returns when ctx is cancelled.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerStatus describes one worker goroutine.
type WorkerStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	StoppedAt time.Time `json:"stoppedAt,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// Snapshot is an immutable copy of both workers' state.
type Snapshot struct {
	TakenAt       time.Time       `json:"takenAt"`
	StartedAt     time.Time       `json:"startedAt,omitempty"`
	Running       bool            `json:"running"`
	Update        update.RunState `json:"update"`
	RebootPending bool            `json:"rebootPending"`
	StagedCount   int             `json:"stagedCount"`
	DeviceCount   int             `json:"deviceCount"`
	SessionCount  int             `json:"sessionCount"`
	Whisper       whisper.Stats   `json:"whisper"`
	Workers       []WorkerStatus  `json:"workers"`
}

// Options configures the supervisor.
type Options struct {
	// StatusInterval is how often a status line is logged; zero disables it.
	StatusInterval time.Duration
	// StopTimeout bounds how long Stop waits for the workers.
	StopTimeout time.Duration
}

// Supervisor runs the update manager and the whisper engine.
type Supervisor struct {
	updates *update.Manager
	engine  *whisper.Engine
	log     *logging.Logger
	clock   clock.Clock
	opts    Options

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	workers   map[string]*WorkerStatus
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a supervisor for the given workers.
func New(updates *update.Manager, engine *whisper.Engine, log *logging.Logger, clk clock.Clock, opts Options) (*Supervisor, error) {
	if updates == nil || engine == nil {
		return nil, errors.New("both workers are required")
	}
	if log == nil {
		log = logging.Discard("LilithSupervisor")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = time.Minute
	}

	return &Supervisor{
		updates: updates,
		engine:  engine,
		log:     log,
		clock:   clk,
		opts:    opts,
		workers: make(map[string]*WorkerStatus),
	}, nil
}

// Start launches both workers. It fails if the supervisor is already
// running; a worker that returns early is logged, not restarted.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.startedAt = s.clock.Now()
	s.workers = make(map[string]*WorkerStatus)

	s.spawnLocked(runCtx, "update", s.updates)
	s.spawnLocked(runCtx, "whisper", s.engine)
	if s.opts.StatusInterval > 0 {
		s.wg.Add(1)
		go s.statusLoop(runCtx)
	}

	s.log.Infof("Supervisor started %d workers", len(s.workers))
	return nil
}

func (s *Supervisor) spawnLocked(ctx context.Context, name string, w Worker) {
	status := &WorkerStatus{Name: name, Running: true, StartedAt: s.clock.Now()}
	s.workers[name] = status

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runWorker(ctx, name, w)

		s.mu.Lock()
		status.Running = false
		status.StoppedAt = s.clock.Now()
		if err != nil {
			status.Err = err.Error()
		}
		s.mu.Unlock()
	}()
}

func (s *Supervisor) runWorker(ctx context.Context, name string, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
			s.log.Errorf("Worker %s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()

	s.log.Infof("Worker %s started", name)
	err = w.Run(ctx)
	switch {
	case err != nil:
		s.log.Errorf("Worker %s exited: %v", name, err)
	case ctx.Err() == nil:
		s.log.Warnf("Worker %s returned before shutdown", name)
	default:
		s.log.Infof("Worker %s stopped", name)
	}
	return err
}

func (s *Supervisor) statusLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			s.log.Infof("status: found=%d installed=%d staged=%d reboot=%t devices=%d sessions=%d handshakes=%d exchanges=%d",
				snap.Update.TotalFound, snap.Update.TotalInstalled, snap.StagedCount, snap.RebootPending,
				snap.DeviceCount, snap.SessionCount, snap.Whisper.TotalHandshakes, snap.Whisper.SuccessfulExchanges)
		}
	}
}

// Stop cancels both workers and waits for them to finish their current
// iteration, up to the configured timeout.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Infof("Supervisor stopping workers")
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Infof("Supervisor stopped")
		return nil
	case <-time.After(s.opts.StopTimeout):
		s.log.Errorf("Workers did not stop within %v", s.opts.StopTimeout)
		return fmt.Errorf("shutdown timeout")
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Snapshot reads both workers' counters. Each worker is read under its
// own lock, so the two halves may be a tick apart.
func (s *Supervisor) Snapshot() Snapshot {
	stats := s.engine.Stats()
	snap := Snapshot{
		TakenAt:       s.clock.Now(),
		Update:        s.updates.State(),
		RebootPending: s.updates.RebootPending(),
		StagedCount:   len(s.updates.Staged()),
		DeviceCount:   stats.DeviceCount,
		SessionCount:  stats.SessionCount,
		Whisper:       stats,
	}

	s.mu.RLock()
	snap.Running = s.running
	snap.StartedAt = s.startedAt
	for _, w := range s.workers {
		snap.Workers = append(snap.Workers, *w)
	}
	s.mu.RUnlock()

	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].Name < snap.Workers[j].Name })
	return snap
}

// Updates returns the update manager.
func (s *Supervisor) Updates() *update.Manager {
	return s.updates
}

// Engine returns the whisper engine.
func (s *Supervisor) Engine() *whisper.Engine {
	return s.engine
}
