// Command fileserver runs the file-server process of spec.md §4.5: a
// single TCP listener answering LIST, PULL, and PUSH against one
// directory tree. Flags per spec.md §6, plus supplements a real
// deployment needs: -root (the source always served cwd; a real
// file-server must name its tree, local or s3://), -compress (must
// match whatever the manager's transfer executor was started with),
// and -service for unattended installs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kardianos/service"

	"github.com/relaylab/filesync/fileserver"
	"github.com/relaylab/filesync/provider"
)

type fileserverConfig struct {
	port     int
	root     string
	compress bool
}

func main() {
	var cfg fileserverConfig
	var svcAction string

	flag.IntVar(&cfg.port, "p", 0, "TCP port to listen on (required)")
	flag.StringVar(&cfg.root, "root", ".", "Directory tree this file-server exposes (local path or s3://bucket/prefix)")
	flag.BoolVar(&cfg.compress, "compress", false, "Decode s2-compressed PUSH chunk payloads (must match the sending manager's -compress)")
	flag.StringVar(&svcAction, "service", "", "install|uninstall|start|stop (manage as an OS service instead of running)")
	flag.Parse()

	if svcAction != "" {
		runServiceAction(svcAction, cfg)
		return
	}

	if cfg.port <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: fileserver -p <port> [-root <dir>] [-compress]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, "fileserver:", err)
		os.Exit(1)
	}
}

// createProvider dispatches on the s3:// scheme exactly as the
// teacher's main.go did, so -root can name either a local directory
// tree or an S3 bucket/prefix.
func createProvider(ctx context.Context, root string) (provider.Provider, error) {
	if rest, ok := strings.CutPrefix(root, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		return provider.NewS3Provider(ctx, bucket, prefix)
	}
	return provider.NewLocalProvider(root), nil
}

func run(ctx context.Context, cfg fileserverConfig) error {
	logger := slog.Default()

	prov, err := createProvider(ctx, cfg.root)
	if err != nil {
		return fmt.Errorf("create provider for %q: %w", cfg.root, err)
	}

	var opts []fileserver.Option
	if cfg.compress {
		opts = append(opts, fileserver.WithCompression(true))
	}

	srv, err := fileserver.New(fmt.Sprintf(":%d", cfg.port), prov, logger, opts...)
	if err != nil {
		return fmt.Errorf("bind :%d: %w", cfg.port, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("fileserver: shutdown signal received")
		cancel()
	}()

	logger.Info("fileserver: serving", "addr", srv.Addr().String(), "root", cfg.root)
	return srv.Serve(ctx)
}

type fileserverProgram struct {
	cfg  fileserverConfig
	stop context.CancelFunc
}

func (p *fileserverProgram) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	go func() {
		if err := run(ctx, p.cfg); err != nil {
			slog.Default().Error("fileserver: exited", "error", err)
		}
	}()
	return nil
}

func (p *fileserverProgram) Stop(s service.Service) error {
	if p.stop != nil {
		p.stop()
	}
	return nil
}

func runServiceAction(action string, cfg fileserverConfig) {
	args := []string{"-p", fmt.Sprintf("%d", cfg.port), "-root", cfg.root}
	if cfg.compress {
		args = append(args, "-compress")
	}
	svcConfig := &service.Config{
		Name:        "filesync-fileserver",
		DisplayName: "Filesync File-Server",
		Description: "Serves LIST/PULL/PUSH requests against a local directory tree.",
		Arguments:   args,
	}

	prg := &fileserverProgram{cfg: cfg}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fileserver: service setup failed:", err)
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
		fmt.Fprintf(os.Stderr, "fileserver: unknown -service action %q\n", action)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fileserver: service %s failed: %v\n", action, err)
		os.Exit(1)
	}
	fmt.Printf("fileserver: service %s succeeded\n", action)
}
