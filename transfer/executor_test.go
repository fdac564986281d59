package transfer_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/relaylab/filesync/engine"
	"github.com/relaylab/filesync/translog"
	"github.com/relaylab/filesync/transfer"
)

// fakeSource accepts one connection, expects a PULL request line, and
// replies with the given content (or a "-1 <errMsg>" error reply).
func fakeSource(t *testing.T, content []byte, errMsg string) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakeSource listen: %v", err)
	}
	done = make(chan struct{})

	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}

		if errMsg != "" {
			fmt.Fprintf(conn, "-1 %s\n", errMsg)
			return
		}
		fmt.Fprintf(conn, "%d ", len(content))
		conn.Write(content)
	}()

	return ln.Addr().String(), done
}

// fakeTarget accepts one connection, replays the PUSH state machine,
// and returns the reconstructed bytes via the result channel.
func fakeTarget(t *testing.T) (addr string, result chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakeTarget listen: %v", err)
	}
	result = make(chan []byte, 1)

	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			result <- nil
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		var out bytes.Buffer
		for {
			if _, err := r.ReadString(' '); err != nil { // "PUSH "
				result <- out.Bytes()
				return
			}
			if _, err := r.ReadString(' '); err != nil { // "<path> "
				result <- out.Bytes()
				return
			}

			kTok, delim, err := readToken(r)
			if err != nil {
				result <- out.Bytes()
				return
			}
			k, err := strconv.Atoi(kTok)
			if err != nil {
				result <- out.Bytes()
				return
			}

			if delim == '\n' {
				// open (-1) or close (0) frame, nothing more to read.
				if k == 0 {
					result <- out.Bytes()
					return
				}
				continue
			}

			// delim == ' ': chunk frame with k raw payload bytes.
			buf := make([]byte, k)
			if _, err := readFull(r, buf); err != nil {
				result <- out.Bytes()
				return
			}
			out.Write(buf)
		}
	}()

	return ln.Addr().String(), result
}

// readToken reads bytes until a space or newline, returning the token
// and which delimiter terminated it.
func readToken(r *bufio.Reader) (string, byte, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return sb.String(), 0, err
		}
		if b == ' ' || b == '\n' {
			return sb.String(), b, nil
		}
		sb.WriteByte(b)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}

func newExecutor() *transfer.Executor {
	return transfer.NewExecutor(engine.NewBufferPool(64), translog.New(&bytes.Buffer{}))
}

func newExecutorWithOpts(opts ...transfer.Option) *transfer.Executor {
	return transfer.NewExecutor(engine.NewBufferPool(64), translog.New(&bytes.Buffer{}), opts...)
}

func TestExecutorRoundTripsSmallFile(t *testing.T) {
	content := []byte("hello world")
	srcAddr, srcDone := fakeSource(t, content, "")
	dstAddr, dstResult := fakeTarget(t)

	srcHost, srcPort := splitHostPort(t, srcAddr)
	dstHost, dstPort := splitHostPort(t, dstAddr)

	job := engine.SyncJob{
		SourceHost: srcHost, SourcePort: srcPort, SourceDir: "/src",
		TargetHost: dstHost, TargetPort: dstPort, TargetDir: "/dst",
		Filename: "a.txt",
	}

	pushed, err := newExecutor().Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if pushed != int64(len(content)) {
		t.Errorf("expected %d bytes pushed, got %d", len(content), pushed)
	}

	select {
	case <-srcDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fake source never finished")
	}

	select {
	case got := <-dstResult:
		if !bytes.Equal(got, content) {
			t.Errorf("expected %q, got %q", content, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fake target never finished")
	}
}

func TestExecutorEmptyFile(t *testing.T) {
	srcAddr, _ := fakeSource(t, []byte{}, "")
	dstAddr, dstResult := fakeTarget(t)

	srcHost, srcPort := splitHostPort(t, srcAddr)
	dstHost, dstPort := splitHostPort(t, dstAddr)

	job := engine.SyncJob{
		SourceHost: srcHost, SourcePort: srcPort, SourceDir: "/src",
		TargetHost: dstHost, TargetPort: dstPort, TargetDir: "/dst",
		Filename: "empty.txt",
	}

	pushed, err := newExecutor().Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if pushed != 0 {
		t.Errorf("expected 0 bytes pushed for an empty file, got %d", pushed)
	}

	select {
	case got := <-dstResult:
		if len(got) != 0 {
			t.Errorf("expected empty file, got %d bytes", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fake target never finished")
	}
}

func TestExecutorSourceErrorReply(t *testing.T) {
	srcAddr, _ := fakeSource(t, nil, "no such file")
	dstAddr, _ := fakeTarget(t)

	srcHost, srcPort := splitHostPort(t, srcAddr)
	dstHost, dstPort := splitHostPort(t, dstAddr)

	job := engine.SyncJob{
		SourceHost: srcHost, SourcePort: srcPort, SourceDir: "/src",
		TargetHost: dstHost, TargetPort: dstPort, TargetDir: "/dst",
		Filename: "missing.txt",
	}

	pushed, err := newExecutor().Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected an error for a source -1 reply, got nil")
	}
	if pushed != 0 {
		t.Errorf("expected 0 bytes pushed on a source error, got %d", pushed)
	}
}

func TestExecutorChecksumVerificationSucceedsOnIntactTransfer(t *testing.T) {
	content := bytes.Repeat([]byte("checksum me "), 500)
	srcAddr, _ := fakeSource(t, content, "")
	dstAddr, dstResult := fakeTarget(t)

	srcHost, srcPort := splitHostPort(t, srcAddr)
	dstHost, dstPort := splitHostPort(t, dstAddr)

	job := engine.SyncJob{
		SourceHost: srcHost, SourcePort: srcPort, SourceDir: "/src",
		TargetHost: dstHost, TargetPort: dstPort, TargetDir: "/dst",
		Filename: "verified.bin",
	}

	executor := newExecutorWithOpts(transfer.WithChecksumVerification(true))
	pushed, err := executor.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if pushed != int64(len(content)) {
		t.Errorf("expected %d bytes pushed, got %d", len(content), pushed)
	}

	select {
	case got := <-dstResult:
		if !bytes.Equal(got, content) {
			t.Errorf("content mismatch: got %d bytes, want %d bytes", len(got), len(content))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fake target never finished")
	}
}

func TestExecutorLargeFileAcrossManyChunks(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000) // 10000 bytes, buffer is 64
	srcAddr, _ := fakeSource(t, content, "")
	dstAddr, dstResult := fakeTarget(t)

	srcHost, srcPort := splitHostPort(t, srcAddr)
	dstHost, dstPort := splitHostPort(t, dstAddr)

	job := engine.SyncJob{
		SourceHost: srcHost, SourcePort: srcPort, SourceDir: "/src",
		TargetHost: dstHost, TargetPort: dstPort, TargetDir: "/dst",
		Filename: "big.bin",
	}

	pushed, err := newExecutor().Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if pushed != int64(len(content)) {
		t.Errorf("expected %d bytes pushed, got %d", len(content), pushed)
	}

	select {
	case got := <-dstResult:
		if !bytes.Equal(got, content) {
			t.Errorf("content mismatch: got %d bytes, want %d bytes", len(got), len(content))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fake target never finished")
	}
}
