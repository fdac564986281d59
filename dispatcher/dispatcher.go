// Package dispatcher implements the console command dispatcher of
// spec.md §4.6: one goroutine per accepted console connection,
// parsing newline-terminated add/cancel/shutdown/status lines and
// driving the registry and worker pool.
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/relaylab/filesync/config"
	"github.com/relaylab/filesync/engine"
	"github.com/relaylab/filesync/history"
	"github.com/relaylab/filesync/registry"
	"github.com/relaylab/filesync/transfer"
)

// Command verbs accepted on a console session.
const (
	CmdAdd      = "add"
	CmdCancel   = "cancel"
	CmdShutdown = "shutdown"
	CmdStatus   = "status"
)

// Queue is the subset of *engine.JobQueue the dispatcher needs: just
// enough to submit jobs, so tests can substitute a fake.
type Queue interface {
	Enqueue(job engine.SyncJob) error
}

// Pool is the subset of *engine.WorkerPool the dispatcher needs to
// drive a `shutdown` command.
type Pool interface {
	Stop()
	Stats() engine.Stats
}

// ListFunc enumerates the files in a remote directory. Production
// code uses transfer.ListRemote; tests substitute a stub.
type ListFunc func(ctx context.Context, host string, port int, dir string) ([]string, error)

// Dispatcher wires one console session's commands to the registry,
// job queue, worker pool, and history store. A single Dispatcher is
// shared by every accepted console connection.
type Dispatcher struct {
	registry *registry.Registry
	queue    Queue
	pool     Pool
	history  history.Store
	list     ListFunc
	logger   *slog.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a Dispatcher. history and logger may be nil. list
// defaults to transfer.ListRemote when nil.
func New(reg *registry.Registry, queue Queue, pool Pool, hist history.Store, list ListFunc, logger *slog.Logger) *Dispatcher {
	if list == nil {
		list = transfer.ListRemote
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   reg,
		queue:      queue,
		pool:       pool,
		history:    hist,
		list:       list,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// ShutdownRequested returns a channel that closes once a `shutdown`
// command has been handled on any session, for the manager's main
// loop to select on.
func (d *Dispatcher) ShutdownRequested() <-chan struct{} {
	return d.shutdownCh
}

// HandleSession reads newline-terminated commands from r and writes
// replies to w until EOF, a `shutdown` command, or ctx is done. Each
// accepted console connection calls this on its own goroutine, per
// spec.md §4.6.
func (d *Dispatcher) HandleSession(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, closeSession := d.dispatch(ctx, line)
		if _, err := fmt.Fprintf(w, "%s\n", reply); err != nil {
			return fmt.Errorf("dispatcher: writing reply: %w", err)
		}
		if closeSession {
			return nil
		}
	}
	return scanner.Err()
}

// dispatch parses and executes exactly one command line, returning
// the reply text and whether the session should close afterward.
func (d *Dispatcher) dispatch(ctx context.Context, line string) (reply string, closeSession bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Sprintf("Invalid command: %s", line), false
	}

	switch fields[0] {
	case CmdAdd:
		if len(fields) != 3 {
			return fmt.Sprintf("Invalid command: %s", line), false
		}
		return d.handleAdd(ctx, fields[1], fields[2]), false

	case CmdCancel:
		if len(fields) != 2 {
			return fmt.Sprintf("Invalid command: %s", line), false
		}
		return d.handleCancel(fields[1]), false

	case CmdShutdown:
		return d.handleShutdown(), true

	case CmdStatus:
		return d.handleStatus(), false

	default:
		return fmt.Sprintf("Invalid command: %s", line), false
	}
}

// handleAdd implements spec.md §4.6's add: parse both specs,
// registry.find/add, then enumerate the source directory via LIST
// and enqueue one SyncJob per returned filename.
func (d *Dispatcher) handleAdd(ctx context.Context, sourceSpec, targetSpec string) string {
	pairSpec, err := config.ParsePairSpecs(sourceSpec, targetSpec)
	if err != nil {
		return fmt.Sprintf("Error adding sync pair: %v", err)
	}

	key := registry.Key{
		SourceHost: pairSpec.SourceHost,
		SourcePort: pairSpec.SourcePort,
		SourceDir:  pairSpec.SourceDir,
	}
	pair := registry.Pair{
		Key:        key,
		TargetHost: pairSpec.TargetHost,
		TargetPort: pairSpec.TargetPort,
		TargetDir:  pairSpec.TargetDir,
		Active:     true,
	}

	if err := d.registry.Add(pair); err != nil {
		if err == registry.ErrDuplicate {
			return fmt.Sprintf("Already in queue: %s", sourceSpec)
		}
		return fmt.Sprintf("Error adding sync pair: %v", err)
	}

	names, err := d.list(ctx, pairSpec.SourceHost, pairSpec.SourcePort, pairSpec.SourceDir)
	if err != nil {
		d.logger.Warn("dispatcher: LIST against source failed", "source", sourceSpec, "error", err)
		return "Added sync pair successfully"
	}

	for _, name := range names {
		job := engine.SyncJob{
			SourceHost: pairSpec.SourceHost, SourcePort: pairSpec.SourcePort, SourceDir: pairSpec.SourceDir,
			TargetHost: pairSpec.TargetHost, TargetPort: pairSpec.TargetPort, TargetDir: pairSpec.TargetDir,
			Filename: name,
		}
		if err := d.queue.Enqueue(job); err != nil {
			if errors.Is(err, engine.ErrShutdown) {
				d.logger.Warn("dispatcher: enqueue rejected, manager is shutting down", "filename", name)
				return "Manager is shutting down, sync pair not added"
			}
			d.logger.Warn("dispatcher: failed to enqueue job", "filename", name, "error", err)
			continue
		}
		d.logger.Info("dispatcher: added file", "filename", name, "source", sourceSpec, "target", targetSpec)
	}

	return "Added sync pair successfully"
}

// handleCancel implements spec.md §4.6's cancel.
func (d *Dispatcher) handleCancel(sourceSpec string) string {
	spec, err := config.ParseDirectorySpec(sourceSpec)
	if err != nil {
		return "Error canceling synchronization"
	}

	key := registry.Key{SourceHost: spec.Host, SourcePort: spec.Port, SourceDir: spec.Dir}
	if err := d.registry.Deactivate(key); err != nil {
		return fmt.Sprintf("Directory not being synchronized: %s", sourceSpec)
	}
	return fmt.Sprintf("Synchronization stopped for %s", sourceSpec)
}

// handleShutdown implements spec.md §4.6's shutdown: stop the pool
// (which abandons queued jobs per spec.md §4.3) and signal the
// manager's main loop via ShutdownRequested.
func (d *Dispatcher) handleShutdown() string {
	d.shutdownOnce.Do(func() {
		d.logger.Info("dispatcher: shutdown requested")
		d.pool.Stop()
		close(d.shutdownCh)
	})
	return "Shutting down manager..."
}

// handleStatus supplements spec.md §4.6 with a `status` command,
// grounded on original_source/src/sync_info.c's unwired
// print_sync_info_store: one line per registered pair plus the
// pool's lifetime counters.
func (d *Dispatcher) handleStatus() string {
	views := d.registry.Snapshot()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d sync pairs registered\n", len(views))
	for _, v := range views {
		state := "inactive"
		if v.Active {
			state = "active"
		}
		fmt.Fprintf(&sb, "%s -> %s@%s:%d [%s, errors=%d]\n",
			v.Key.String(), v.TargetDir, v.TargetHost, v.TargetPort, state, v.ErrorCount)

		if d.history != nil {
			recent, err := d.history.Recent(v.Key.String(), 3)
			if err == nil {
				for _, rec := range recent {
					fmt.Fprintf(&sb, "  %s %s (%d bytes)\n", rec.Outcome, rec.Filename, rec.Bytes)
				}
			}
		}
	}
	stats := d.pool.Stats()
	fmt.Fprintf(&sb, "worker pool: completed=%d failed=%d abandoned=%d", stats.Completed, stats.Failed, stats.Abandoned)
	return sb.String()
}
