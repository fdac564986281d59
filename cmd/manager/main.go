// Command manager runs the manager process of spec.md §4: it owns
// the sync-pair registry, the bounded job queue, the worker pool, and
// the console dispatcher that drives them. Flags per spec.md §6, plus
// supplements for the ambient stack (-history, -tui, -compress,
// -verify-checksum, -service) that a complete implementation needs
// but the distilled CLI grammar never names.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/service"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/relaylab/filesync/config"
	"github.com/relaylab/filesync/dispatcher"
	"github.com/relaylab/filesync/engine"
	"github.com/relaylab/filesync/history"
	"github.com/relaylab/filesync/registry"
	"github.com/relaylab/filesync/transfer"
	"github.com/relaylab/filesync/translog"
	"github.com/relaylab/filesync/ui"
)

const defaultBufferSize = 1 * 1024 * 1024

type managerConfig struct {
	logfile        string
	configPath     string
	workers        int
	port           int
	queueCap       int
	bufferSize     int
	historyPath    string
	tuiEnabled     bool
	compress       bool
	verifyChecksum bool

	// ready, when non-nil, receives the bound console address once the
	// listener is up. Only set by tests, which pass port 0 and need to
	// know which port the kernel picked.
	ready chan<- net.Addr
}

func main() {
	var cfg managerConfig
	var svcAction string

	flag.StringVar(&cfg.logfile, "l", "", "Transfer log file (required)")
	flag.StringVar(&cfg.configPath, "c", "", "Sync pair config file (required)")
	flag.IntVar(&cfg.workers, "n", 0, "Worker pool size (required, positive)")
	flag.IntVar(&cfg.port, "p", 0, "Console TCP port (required)")
	flag.IntVar(&cfg.queueCap, "b", 0, "Job queue capacity (required, positive)")
	flag.IntVar(&cfg.bufferSize, "buffer-size", defaultBufferSize, "Transfer chunk buffer size in bytes")
	flag.StringVar(&cfg.historyPath, "history", "./filesync-history.db", "Path to the transfer history database")
	flag.BoolVar(&cfg.tuiEnabled, "tui", false, "Show a live dashboard instead of running headless")
	flag.BoolVar(&cfg.compress, "compress", false, "Compress PUSH chunk payloads with s2 (must match every file-server)")
	flag.BoolVar(&cfg.verifyChecksum, "verify-checksum", false, "Verify a CRC64 checksum of each transfer's own byte accounting")
	flag.StringVar(&svcAction, "service", "", "install|uninstall|start|stop (manage as an OS service instead of running)")
	flag.Parse()

	if svcAction != "" {
		runServiceAction(svcAction, cfg)
		return
	}

	if cfg.logfile == "" || cfg.configPath == "" || cfg.workers <= 0 || cfg.port <= 0 || cfg.queueCap <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: manager -l <logfile> -c <config> -n <workers> -p <port> -b <queue_capacity>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, "manager:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg managerConfig) error {
	logger := slog.Default()

	transferLogFile, err := os.OpenFile(cfg.logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transfer log: %w", err)
	}
	defer transferLogFile.Close()
	transferLog := translog.New(transferLogFile)

	hist, err := history.NewBoltStore(cfg.historyPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close()
	tracker := history.NewTracker(hist)

	reg := registry.New()
	queue := engine.NewJobQueue(cfg.queueCap)
	buffers := engine.NewBufferPool(cfg.bufferSize)

	var execOpts []transfer.Option
	if cfg.verifyChecksum {
		execOpts = append(execOpts, transfer.WithChecksumVerification(true))
	}
	if cfg.compress {
		execOpts = append(execOpts, transfer.WithCompression(true))
	}
	executor := transfer.NewExecutor(buffers, transferLog, execOpts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := engine.NewWorkerPool(ctx, queue, cfg.workers, makeJobHandler(executor, reg, tracker, logger), logger)

	d := dispatcher.New(reg, queue, pool, hist, nil, logger)

	if err := loadStartupPairs(ctx, d, cfg.configPath, logger); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.port))
	if err != nil {
		return fmt.Errorf("bind console port :%d: %w", cfg.port, err)
	}
	defer ln.Close()

	if cfg.ready != nil {
		cfg.ready <- ln.Addr()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("manager: shutdown signal received")
		case <-d.ShutdownRequested():
			logger.Info("manager: shutdown requested over console")
		case <-ctx.Done():
			logger.Info("manager: context cancelled")
		}
		cancel()
		ln.Close()
	}()

	var teaProgram *tea.Program
	if cfg.tuiEnabled {
		teaProgram = startTUI(ctx, reg, queue, pool, hist, cfg.workers)
	}

	logger.Info("manager: accepting console connections", "addr", ln.Addr().String())
	acceptConsoleLoop(ctx, ln, d, logger)

	pool.Stop()
	if teaProgram != nil {
		teaProgram.Quit()
	}
	logger.Info("manager: shutdown complete")
	return nil
}

// makeJobHandler adapts transfer.Executor into an engine.JobHandler,
// recording the outcome of every attempt to both the registry (for
// ErrorCount/LastSyncTime) and the history store (for the console's
// "status" command and the dashboard's recent-activity feed).
func makeJobHandler(executor *transfer.Executor, reg *registry.Registry, tracker *history.Tracker, logger *slog.Logger) engine.JobHandler {
	return func(ctx context.Context, job engine.SyncJob) error {
		key := registry.Key{SourceHost: job.SourceHost, SourcePort: job.SourcePort, SourceDir: job.SourceDir}
		pairKey := key.String()

		pushed, err := executor.Execute(ctx, job)
		reg.RecordSyncAttempt(key, time.Now(), err != nil)

		if err != nil {
			if rerr := tracker.RecordFailure(pairKey, job.Filename, pushed, err); rerr != nil {
				logger.Warn("manager: failed to record history", "error", rerr)
			}
			logger.Warn("manager: transfer failed", "pair", pairKey, "file", job.Filename, "error", err)
			return err
		}

		if rerr := tracker.RecordSuccess(pairKey, job.Filename, pushed); rerr != nil {
			logger.Warn("manager: failed to record history", "error", rerr)
		}
		return nil
	}
}

// loadStartupPairs replays each config-file pair as an `add` command
// through the dispatcher, so startup sync pairs follow exactly the
// same enqueue path as one typed on the console.
func loadStartupPairs(ctx context.Context, d *dispatcher.Dispatcher, configPath string, logger *slog.Logger) error {
	f, err := os.Open(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	pairs, err := config.LoadPairs(f)
	if err != nil {
		return err
	}

	for _, p := range pairs {
		line := fmt.Sprintf("add %s@%s:%d %s@%s:%d\n",
			p.SourceDir, p.SourceHost, p.SourcePort,
			p.TargetDir, p.TargetHost, p.TargetPort)

		var reply bytes.Buffer
		if err := d.HandleSession(ctx, strings.NewReader(line), &reply); err != nil {
			return fmt.Errorf("startup add %q: %w", strings.TrimSpace(line), err)
		}
		logger.Info("manager: startup pair", "line", strings.TrimSpace(line), "reply", strings.TrimSpace(reply.String()))
	}
	return nil
}

// acceptConsoleLoop accepts console connections until ctx is done or
// the listener closes, handing each off to the dispatcher on its own
// goroutine per spec.md §4.6.
func acceptConsoleLoop(ctx context.Context, ln net.Listener, d *dispatcher.Dispatcher, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("manager: accept error", "error", err)
			return
		}

		go func() {
			defer conn.Close()
			if err := d.HandleSession(ctx, conn, conn); err != nil {
				logger.Debug("manager: console session ended", "error", err)
			}
		}()
	}
}

// startTUI launches the dashboard and a 500ms polling loop that feeds
// it fresh registry/queue/pool/history snapshots, mirroring the
// teacher's own tea.Program wiring and ticker cadence.
func startTUI(ctx context.Context, reg *registry.Registry, queue *engine.JobQueue, pool *engine.WorkerPool, hist history.Store, maxWorkers int) *tea.Program {
	state := &ui.UIState{MaxWorkers: maxWorkers, IsRunning: true}
	model := ui.NewTUIModel(state)
	program := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		if _, err := program.Run(); err != nil {
			slog.Default().Error("manager: tui exited", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				state.Done = true
				state.IsRunning = false
				program.Send(ui.TUIUpdateMsg{State: state})
				return
			case <-ticker.C:
				program.Send(ui.TUIUpdateMsg{State: snapshotUIState(reg, queue, pool, hist, maxWorkers)})
			}
		}
	}()

	return program
}

func snapshotUIState(reg *registry.Registry, queue *engine.JobQueue, pool *engine.WorkerPool, hist history.Store, maxWorkers int) *ui.UIState {
	pairs := reg.Snapshot()
	active := 0
	for _, p := range pairs {
		if p.Active {
			active++
		}
	}

	stats := pool.Stats()

	var recent []ui.HistoryEntry
	if records, err := hist.Recent("", 10); err == nil {
		for _, rec := range records {
			recent = append(recent, ui.HistoryEntry{
				PairKey:  rec.PairKey,
				Filename: rec.Filename,
				Outcome:  string(rec.Outcome),
				Bytes:    rec.Bytes,
				When:     rec.Timestamp,
			})
		}
	}

	return &ui.UIState{
		PairCount:       len(pairs),
		ActivePairCount: active,
		QueueLen:        queue.Len(),
		QueueCap:        queue.Cap(),
		ActiveWorkers:   int(stats.Active),
		MaxWorkers:      maxWorkers,
		Completed:       stats.Completed,
		Failed:          stats.Failed,
		Abandoned:       stats.Abandoned,
		Recent:          recent,
		IsRunning:       true,
	}
}

type managerProgram struct {
	cfg  managerConfig
	stop context.CancelFunc
}

func (p *managerProgram) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	go func() {
		if err := run(ctx, p.cfg); err != nil {
			slog.Default().Error("manager: exited", "error", err)
		}
	}()
	return nil
}

func (p *managerProgram) Stop(s service.Service) error {
	if p.stop != nil {
		p.stop()
	}
	return nil
}

func runServiceAction(action string, cfg managerConfig) {
	svcConfig := &service.Config{
		Name:        "filesync-manager",
		DisplayName: "Filesync Manager",
		Description: "Coordinates directory replication across file-server processes.",
		Arguments: []string{
			"-l", cfg.logfile, "-c", cfg.configPath,
			"-n", fmt.Sprintf("%d", cfg.workers),
			"-p", fmt.Sprintf("%d", cfg.port),
			"-b", fmt.Sprintf("%d", cfg.queueCap),
		},
	}

	prg := &managerProgram{cfg: cfg}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "manager: service setup failed:", err)
		os.Exit(1)
	}

	switch action {
	case "install":
		err = s.Install()
	case "uninstall":
		err = s.Uninstall()
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	default:
		fmt.Fprintf(os.Stderr, "manager: unknown -service action %q\n", action)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "manager: service %s failed: %v\n", action, err)
		os.Exit(1)
	}
	fmt.Printf("manager: service %s succeeded\n", action)
}
