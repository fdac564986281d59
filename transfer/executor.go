// Package transfer implements the transfer executor of spec.md §4.4:
// one call that moves a single file from a source file-server to a
// target file-server over two fresh TCP connections, using the LIST-
// independent PULL/PUSH wire protocol in package wire.
package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/klauspost/compress/s2"

	"github.com/relaylab/filesync/engine"
	"github.com/relaylab/filesync/translog"
	"github.com/relaylab/filesync/wire"
)

// Executor moves one SyncJob's file from its source to its target.
// A single Executor is shared by every worker in the pool; it carries
// no per-job state, only shared resources (a buffer pool and a
// logger), so it is safe for concurrent use - each call to Execute
// opens its own pair of connections.
type Executor struct {
	buffers        *engine.BufferPool
	logger         *translog.Logger
	verifyChecksum bool
	compress       bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithChecksumVerification enables the optional CRC64 sanity check
// between bytes read from source and bytes forwarded to target.
func WithChecksumVerification(enabled bool) Option {
	return func(e *Executor) { e.verifyChecksum = enabled }
}

// WithCompression enables s2 (klauspost/compress) compression of each
// PUSH chunk's payload. Both the manager and every file-server it
// talks to must be started with this enabled, since the wire protocol
// negotiates nothing in-band.
func WithCompression(enabled bool) Option {
	return func(e *Executor) { e.compress = enabled }
}

// NewExecutor creates an Executor using buffers for chunk allocation
// and logger for the per-transfer log lines spec.md §6 mandates.
func NewExecutor(buffers *engine.BufferPool, logger *translog.Logger, opts ...Option) *Executor {
	e := &Executor{buffers: buffers, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs the four steps of spec.md §4.4: connect, PULL,
// PUSH, close. It returns the number of source payload bytes forwarded
// to the target (counted before any compression; zero if the transfer
// never reached the forwarding step), so the caller can record it in
// the registry and history. A non-nil error means the job failed; the
// caller (engine.WorkerPool) never lets this panic or retry - it logs
// via the WorkerPool's stats and moves to the next job.
func (e *Executor) Execute(ctx context.Context, job engine.SyncJob) (int64, error) {
	src := endpoint(job.SourceDir, job.SourceHost, job.SourcePort)
	dst := endpoint(job.TargetDir, job.TargetHost, job.TargetPort)
	threadID, _ := engine.WorkerID(ctx)

	sourceConn, err := net.Dial("tcp", job.SourceAddr())
	if err != nil {
		e.logger.Log(src, dst, threadID, translog.OpPull, translog.ResultError, fmt.Sprintf("connect to source: %v", err))
		return 0, fmt.Errorf("transfer: connect to source %s: %w", job.SourceAddr(), err)
	}
	defer sourceConn.Close()

	targetConn, err := net.Dial("tcp", job.TargetAddr())
	if err != nil {
		e.logger.Log(src, dst, threadID, translog.OpPush, translog.ResultError, fmt.Sprintf("connect to target: %v", err))
		return 0, fmt.Errorf("transfer: connect to target %s: %w", job.TargetAddr(), err)
	}
	defer targetConn.Close()

	sourcePath := joinPath(job.SourceDir, job.Filename)
	targetPath := joinPath(job.TargetDir, job.Filename)

	if err := wire.WritePullRequest(sourceConn, sourcePath); err != nil {
		e.logger.Log(src, dst, threadID, translog.OpPull, translog.ResultError, fmt.Sprintf("send PULL: %v", err))
		return 0, fmt.Errorf("transfer: send PULL: %w", err)
	}

	reader := bufio.NewReader(sourceConn)
	size, err := wire.ParseSizeHeader(reader)
	if err != nil {
		e.logger.Log(src, dst, threadID, translog.OpPull, translog.ResultError, fmt.Sprintf("parse size header: %v", err))
		return 0, fmt.Errorf("transfer: parse PULL reply: %w", err)
	}

	if size < 0 {
		msg, _ := reader.ReadString('\n')
		msg = strings.TrimSpace(msg)
		e.logger.Log(src, dst, threadID, translog.OpPull, translog.ResultError, msg)
		return 0, fmt.Errorf("transfer: source reported error: %s", msg)
	}

	if err := wire.WritePushOpen(targetConn, targetPath); err != nil {
		e.logger.Log(src, dst, threadID, translog.OpPush, translog.ResultError, fmt.Sprintf("send PUSH open: %v", err))
		return 0, fmt.Errorf("transfer: send PUSH open: %w", err)
	}

	pushed, err := e.forward(reader, targetConn, targetPath, size)
	if err != nil {
		e.logger.Log(src, dst, threadID, translog.OpPush, translog.ResultError, err.Error())
		return pushed, fmt.Errorf("transfer: forward to target: %w", err)
	}

	if err := wire.WritePushClose(targetConn, targetPath); err != nil {
		e.logger.Log(src, dst, threadID, translog.OpPush, translog.ResultError, fmt.Sprintf("send PUSH close: %v", err))
		return pushed, fmt.Errorf("transfer: send PUSH close: %w", err)
	}

	e.logger.Log(src, dst, threadID, translog.OpPull, translog.ResultSuccess, fmt.Sprintf("%d bytes", size))
	e.logger.Log(src, dst, threadID, translog.OpPush, translog.ResultSuccess, fmt.Sprintf("%d bytes", pushed))
	return pushed, nil
}

// forward copies exactly size bytes from reader to target, framed as
// PUSH chunks, optionally wrapped in checksum tracking and s2
// compression. It returns the number of source payload bytes handed to
// chunkSender, counted before any compression.
//
// With verifyChecksum set, the bytes read from source and the bytes
// handed to chunkSender (pre-compression) are both fed to independent
// CRC64 hashers; a mismatch between the two after the loop means this
// process's own read/send plumbing dropped or altered bytes between
// the PULL reader and the PUSH writer.
func (e *Executor) forward(reader io.Reader, target net.Conn, targetPath string, size int64) (int64, error) {
	buf := e.buffers.Get()
	defer e.buffers.Put(buf)

	var sourceReader io.Reader = reader
	var sourceChecksum *engine.ChecksumReader
	var targetChecksum *engine.ChecksumWriter
	if e.verifyChecksum {
		sourceChecksum = engine.NewChecksumReader(reader)
		sourceReader = sourceChecksum
		targetChecksum = engine.NewChecksumWriter(io.Discard)
	}

	chunks := &chunkSender{conn: target, path: targetPath, compress: e.compress, checksum: targetChecksum}

	var remaining, pushed int64 = size, 0
	for remaining > 0 {
		n := len(*buf)
		if int64(n) > remaining {
			n = int(remaining)
		}

		read, rerr := sourceReader.Read((*buf)[:n])
		if read > 0 {
			if err := chunks.send((*buf)[:read]); err != nil {
				return pushed, fmt.Errorf("writing chunk: %w", err)
			}
			pushed += int64(read)
			remaining -= int64(read)
		}
		if rerr != nil {
			if rerr == io.EOF {
				if remaining > 0 {
					return pushed, fmt.Errorf("short read from source: %d bytes remaining", remaining)
				}
				break
			}
			return pushed, fmt.Errorf("reading from source: %w", rerr)
		}
	}

	if e.verifyChecksum && !engine.VerifyChecksum(targetChecksum.Checksum(), sourceChecksum.Checksum()) {
		return pushed, fmt.Errorf("checksum mismatch: source %x, target %x", sourceChecksum.Checksum(), targetChecksum.Checksum())
	}

	return pushed, nil
}

// chunkSender writes PUSH chunk frames, optionally compressing each
// chunk's payload with s2 before framing it. Both legs of a transfer
// (manager and every file-server) must agree on -compress, since the
// wire protocol carries no in-band flag for it. When checksum is
// non-nil, it is fed the pre-compression chunk bytes.
type chunkSender struct {
	conn     net.Conn
	path     string
	compress bool
	checksum *engine.ChecksumWriter

	scratch []byte
}

func (c *chunkSender) send(chunk []byte) error {
	if c.checksum != nil {
		c.checksum.Write(chunk)
	}

	payload := chunk
	if c.compress {
		need := s2.MaxEncodedLen(len(chunk))
		if cap(c.scratch) < need {
			c.scratch = make([]byte, need)
		}
		payload = s2.Encode(c.scratch[:need], chunk)
	}
	return wire.WritePushChunk(c.conn, c.path, payload)
}

func endpoint(dir, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", dir, host, port)
}

func joinPath(dir, filename string) string {
	return strings.TrimSuffix(dir, "/") + "/" + filename
}
