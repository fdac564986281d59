// Package fileserver implements the file-server process of spec.md
// §4.5: a TCP listener that answers LIST, PULL, and PUSH commands
// against a single provider.Provider, each connection on its own
// goroutine.
package fileserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"

	"github.com/relaylab/filesync/provider"
	"github.com/relaylab/filesync/wire"
)

// Server accepts TCP connections and serves the LIST/PULL/PUSH
// protocol against a single provider.Provider. Unlike the original
// C implementation's file-scoped `static int current_fd`, the open
// PUSH destination is a field on the per-connection handler, so two
// concurrent connections pushing different files never step on each
// other's descriptor.
type Server struct {
	listener net.Listener
	prov     provider.Provider
	logger   *slog.Logger
	compress bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithCompression tells the server that incoming PUSH chunk payloads
// are s2-compressed and must be decoded before being written to the
// destination. Must match whatever -compress setting the transfer
// executor on the other end of the PUSH was started with - the wire
// protocol negotiates nothing in-band.
func WithCompression(enabled bool) Option {
	return func(s *Server) { s.compress = enabled }
}

// New binds a TCP listener on addr and returns a Server that will
// serve prov's contents once Serve is called. If logger is nil,
// slog.Default() is used.
func New(addr string, prov provider.Provider, logger *slog.Logger, opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fileserver: listen on %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{listener: ln, prov: prov, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr returns the address the server is actually listening on,
// useful when addr was "host:0" and the kernel chose the port.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener
// fails. Each connection is handled on its own goroutine and Serve
// waits for all of them to finish before returning - per spec.md §9's
// redesign, shutdown here means closing the listener from a
// ctx-watching goroutine, not a blocking read on a shutdown channel.
func (s *Server) Serve(ctx context.Context) error {
	stopWatcher := make(chan struct{})
	defer close(stopWatcher)
	go func() {
		select {
		case <-ctx.Done():
			s.listener.Close()
		case <-stopWatcher:
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("fileserver: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	h := &connHandler{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		prov:     s.prov,
		logger:   s.logger,
		compress: s.compress,
	}
	defer h.closePush()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := h.handleOne(ctx); err != nil {
			if err != io.EOF {
				s.logger.Warn("fileserver: connection error", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

// connHandler carries the state of a single connection: its buffered
// reader and, while a PUSH is in progress, the open destination
// writer and the path it was opened for.
type connHandler struct {
	conn     net.Conn
	reader   *bufio.Reader
	prov     provider.Provider
	logger   *slog.Logger
	compress bool

	pushWriter io.WriteCloser
	pushPath   string
}

// handleOne reads and dispatches exactly one command. Returns io.EOF
// when the client has disconnected cleanly.
func (h *connHandler) handleOne(ctx context.Context) error {
	verb, delim, err := wire.ReadToken(h.reader)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("reading command verb: %w", err)
	}
	if delim != ' ' {
		return fmt.Errorf("malformed command line: %q", verb)
	}

	switch verb {
	case wire.CmdList:
		return h.handleList(ctx)
	case wire.CmdPull:
		return h.handlePull(ctx)
	case wire.CmdPush:
		return h.handlePush(ctx)
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

// handleList implements spec.md §4.5: a non-recursive directory
// listing of regular files, dotfiles skipped, terminated by the "."
// sentinel line.
func (h *connHandler) handleList(ctx context.Context) error {
	dir, delim, err := wire.ReadToken(h.reader)
	if err != nil {
		return fmt.Errorf("reading LIST directory: %w", err)
	}
	if delim != '\n' {
		return fmt.Errorf("malformed LIST command: unexpected delimiter after %q", dir)
	}

	entries, err := h.prov.List(ctx, strings.TrimPrefix(dir, "/"))
	if err != nil {
		h.logger.Warn("fileserver: LIST failed", "dir", dir, "error", err)
		_, werr := fmt.Fprintf(h.conn, "%s\n", wire.ListSentinel)
		return werr
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := fmt.Fprintf(h.conn, "%s\n", entry.Name()); err != nil {
			return fmt.Errorf("writing LIST entry: %w", err)
		}
	}

	_, err = fmt.Fprintf(h.conn, "%s\n", wire.ListSentinel)
	return err
}

// handlePull implements spec.md §4.5's PULL: reply with "<size> "
// followed by the file's raw bytes, or "-1 <message>\n" on error.
func (h *connHandler) handlePull(ctx context.Context) error {
	path, delim, err := wire.ReadToken(h.reader)
	if err != nil {
		return fmt.Errorf("reading PULL path: %w", err)
	}
	if delim != '\n' {
		return fmt.Errorf("malformed PULL command: unexpected delimiter after %q", path)
	}

	relPath := strings.TrimPrefix(path, "/")
	info, err := h.prov.Stat(ctx, relPath)
	if err != nil {
		_, werr := fmt.Fprintf(h.conn, "-1 %s\n", err)
		return werr
	}

	reader, err := h.prov.OpenRead(ctx, relPath)
	if err != nil {
		_, werr := fmt.Fprintf(h.conn, "-1 %s\n", err)
		return werr
	}
	defer reader.Close()

	if _, err := fmt.Fprintf(h.conn, "%d ", info.Size()); err != nil {
		return fmt.Errorf("writing PULL size header: %w", err)
	}
	if _, err := io.CopyN(h.conn, reader, info.Size()); err != nil {
		return fmt.Errorf("writing PULL payload: %w", err)
	}
	return nil
}

// handlePush implements spec.md §4.5's PUSH state machine: -1 opens
// (truncating) a destination for writing, a positive k is followed by
// exactly k raw payload bytes, and 0 closes the destination.
func (h *connHandler) handlePush(ctx context.Context) error {
	path, delim, err := wire.ReadToken(h.reader)
	if err != nil {
		return fmt.Errorf("reading PUSH path: %w", err)
	}
	if delim != ' ' {
		return fmt.Errorf("malformed PUSH command: unexpected delimiter after path %q", path)
	}

	kTok, kDelim, err := wire.ReadToken(h.reader)
	if err != nil {
		return fmt.Errorf("reading PUSH chunk size: %w", err)
	}
	k, err := strconv.Atoi(kTok)
	if err != nil {
		return fmt.Errorf("malformed PUSH chunk size %q: %w", kTok, err)
	}

	switch {
	case k < 0:
		if kDelim != '\n' {
			return fmt.Errorf("malformed PUSH open frame for %q", path)
		}
		return h.openPush(ctx, path)
	case k == 0:
		if kDelim != '\n' {
			return fmt.Errorf("malformed PUSH close frame for %q", path)
		}
		return h.closePushForPath(path)
	default:
		if kDelim != ' ' {
			return fmt.Errorf("malformed PUSH chunk frame for %q", path)
		}
		return h.writePushChunk(path, k)
	}
}

func (h *connHandler) openPush(ctx context.Context, path string) error {
	h.closePush()

	relPath := strings.TrimPrefix(path, "/")
	writer, err := h.prov.OpenWrite(ctx, relPath, nil)
	if err != nil {
		h.logger.Warn("fileserver: PUSH open failed", "path", path, "error", err)
		return nil
	}
	h.pushWriter = writer
	h.pushPath = path
	return nil
}

func (h *connHandler) writePushChunk(path string, k int) error {
	buf := make([]byte, k)
	if err := wire.ReadExactly(h.reader, buf); err != nil {
		return fmt.Errorf("reading PUSH chunk payload: %w", err)
	}
	if h.pushWriter == nil || h.pushPath != path {
		// No destination open for this path; drain and discard, matching
		// the original handler's "no file open for writing" behavior.
		return nil
	}

	payload := buf
	if h.compress {
		decoded, err := s2.Decode(nil, buf)
		if err != nil {
			return fmt.Errorf("decoding PUSH chunk payload: %w", err)
		}
		payload = decoded
	}

	if _, err := h.pushWriter.Write(payload); err != nil {
		return fmt.Errorf("writing PUSH chunk to destination: %w", err)
	}
	return nil
}

func (h *connHandler) closePushForPath(path string) error {
	if h.pushWriter == nil || h.pushPath != path {
		return nil
	}
	return h.closePush()
}

// closePush closes any currently-open PUSH destination. Safe to call
// when nothing is open.
func (h *connHandler) closePush() error {
	if h.pushWriter == nil {
		return nil
	}
	err := h.pushWriter.Close()
	h.pushWriter = nil
	h.pushPath = ""
	return err
}
