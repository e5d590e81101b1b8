// Package workerbase implements the shared worker run loop:
// signal handling, schema-version gate, registration, heartbeat, command
// dispatch, and graceful exit. Every concrete worker (image proxy, video
// proxy, AI light/full, video AI) drives a Runner instead of
// reimplementing this loop.
package workerbase

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/memwatch"
	"mediaindex/internal/repository"
)

// SchemaVersion is the compiled schema version this binary expects;
// mismatch against system_metadata.schema_version fails worker startup.
// This is distinct from the per-asset segmentation_version invalidation
// check in the segmenter package.
const SchemaVersion = "2026.1"

// ErrSchemaMismatch is returned by Run when the persisted schema version
// differs from SchemaVersion.
type ErrSchemaMismatch struct {
	Persisted string
	Compiled  string
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("workerbase: schema version mismatch: persisted=%q compiled=%q", e.Persisted, e.Compiled)
}

// Processor does one unit of work per loop iteration and reports whether
// it did anything, so idle backoff can adapt.
type Processor interface {
	ProcessTask(ctx context.Context) (didWork bool, err error)
}

// RingBuffer is a tiny in-memory log sink flushed to disk on the
// forensic_dump command.
type RingBuffer struct {
	mu   sync.Mutex
	cap  int
	logs []string
}

func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{cap: capacity}
}

func (r *RingBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
	if len(r.logs) > r.cap {
		r.logs = r.logs[len(r.logs)-r.cap:]
	}
}

func (r *RingBuffer) FlushTo(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	content := ""
	for _, l := range r.logs {
		content += l + "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ExitFlag is a cooperative-cancellation flag a Runner sets when shutdown
// is requested. Components the Runner's Processor drives that need
// finer-than-command-loop cancellation granularity — e.g. the scene
// segmenter's per-frame-boundary check (spec §5 "Cancellation") — should
// be constructed with the same ExitFlag the Runner uses, via NewExitFlag,
// so a shutdown request is visible to them immediately instead of only at
// the next ProcessTask call.
type ExitFlag struct {
	mu   sync.Mutex
	exit bool
}

// NewExitFlag constructs an unset ExitFlag.
func NewExitFlag() *ExitFlag {
	return &ExitFlag{}
}

func (f *ExitFlag) set() {
	f.mu.Lock()
	f.exit = true
	f.mu.Unlock()
}

// Interrupted reports whether shutdown has been requested.
func (f *ExitFlag) Interrupted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exit
}

// Runner drives the shared startup/heartbeat/dispatch/exit loop every
// concrete worker embeds.
type Runner struct {
	WorkerID          string
	Hostname          string
	Workers           repository.WorkerRepository
	SystemMetadata    repository.SystemMetadataRepository
	Processor         Processor
	HeartbeatInterval time.Duration
	IdlePoll          time.Duration
	BusyPoll          time.Duration
	RingBuffer        *RingBuffer
	DumpPath          string
	// Exit is the cooperative-cancellation flag this Runner sets on
	// shutdown. Share one instance with a Processor that needs
	// frame/iteration-granularity cancellation; left nil, Run allocates
	// its own.
	Exit *ExitFlag

	mu     sync.Mutex
	paused bool
}

// Run blocks until a shutdown command, SIGINT/SIGTERM, or an
// unrecoverable schema mismatch. It always leaves the worker's
// worker_status row in state offline on exit.
func (r *Runner) Run(ctx context.Context) error {
	if r.Exit == nil {
		r.Exit = NewExitFlag()
	}

	version, found, err := r.SystemMetadata.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("workerbase: read schema version: %w", err)
	}
	if !found || version != SchemaVersion {
		return &ErrSchemaMismatch{Persisted: version, Compiled: SchemaVersion}
	}

	if err := r.Workers.RegisterWorker(ctx, r.WorkerID, r.Hostname, dbtypes.WorkerIdle); err != nil {
		return fmt.Errorf("workerbase: register worker: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		r.requestExit()
	}()

	heartbeatDone := make(chan struct{})
	go r.heartbeatLoop(ctx, heartbeatDone)

	idlePoll := r.IdlePoll
	if idlePoll == 0 {
		idlePoll = 2 * time.Second
	}
	busyPoll := r.BusyPoll
	if busyPoll == 0 {
		busyPoll = 100 * time.Millisecond
	}

	for !r.shouldExit() {
		cmd, err := r.Workers.GetCommand(ctx, r.WorkerID)
		if err == nil && cmd != dbtypes.CommandNone {
			r.handleCommand(ctx, cmd)
			_ = r.Workers.ClearCommand(ctx, r.WorkerID)
		}

		if r.isPaused() {
			time.Sleep(idlePoll)
			continue
		}

		didWork, procErr := r.Processor.ProcessTask(ctx)
		if procErr != nil && r.RingBuffer != nil {
			r.RingBuffer.Append(fmt.Sprintf("process_task error: %v", procErr))
		}
		if didWork {
			time.Sleep(busyPoll)
		} else {
			time.Sleep(idlePoll)
		}
	}

	close(heartbeatDone)
	_ = r.Workers.SetState(ctx, r.WorkerID, dbtypes.WorkerOffline)
	return nil
}

func (r *Runner) handleCommand(ctx context.Context, cmd dbtypes.WorkerCommand) {
	switch cmd {
	case dbtypes.CommandPause:
		r.setPaused(true)
		_ = r.Workers.SetState(ctx, r.WorkerID, dbtypes.WorkerPaused)
	case dbtypes.CommandResume:
		r.setPaused(false)
		_ = r.Workers.SetState(ctx, r.WorkerID, dbtypes.WorkerIdle)
	case dbtypes.CommandShutdown:
		r.requestExit()
	case dbtypes.CommandForensicDump:
		if r.RingBuffer != nil && r.DumpPath != "" {
			_ = r.RingBuffer.FlushTo(r.DumpPath)
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, done chan struct{}) {
	interval := r.HeartbeatInterval
	if interval == 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stats, err := memwatch.CollectStats()
			if err != nil {
				continue
			}
			doc := dbtypes.StatsDocument{
				"memory_used_percent": stats.MemoryUsedPercent,
				"memory_available_mb": stats.MemoryAvailableMB,
			}
			// Transient DB errors during heartbeat are swallowed; the
			// worker keeps running and the next tick will retry.
			_ = r.Workers.UpdateHeartbeat(ctx, r.WorkerID, doc)
		}
	}
}

func (r *Runner) requestExit() {
	r.Exit.set()
}

func (r *Runner) shouldExit() bool {
	return r.Exit.Interrupted()
}

func (r *Runner) setPaused(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = v
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// ShouldStop adapts a Runner as a scanner.CommandSource: the scanner
// polls this between walk entries instead of running its own command loop.
func (r *Runner) ShouldStop(ctx context.Context) (pause bool, shutdown bool) {
	cmd, err := r.Workers.GetCommand(ctx, r.WorkerID)
	if err == nil && cmd == dbtypes.CommandShutdown {
		r.requestExit()
		return false, true
	}
	return r.isPaused(), r.shouldExit()
}
