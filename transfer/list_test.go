package transfer_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaylab/filesync/transfer"
)

func fakeListServer(t *testing.T, names []string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
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
		for _, name := range names {
			conn.Write([]byte(name + "\n"))
		}
		conn.Write([]byte(".\n"))
	}()

	return ln.Addr().String()
}

func TestListRemoteReturnsNamesUntilSentinel(t *testing.T) {
	addr := fakeListServer(t, []string{"a.txt", "b.txt", "c.txt"})
	host, port := splitHostPort(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	names, err := transfer.ListRemote(ctx, host, port, "/src")
	if err != nil {
		t.Fatalf("ListRemote: %v", err)
	}
	if len(names) != 3 || names[0] != "a.txt" || names[2] != "c.txt" {
		t.Errorf("got %v", names)
	}
}

func TestListRemoteEmptyDirectory(t *testing.T) {
	addr := fakeListServer(t, nil)
	host, port := splitHostPort(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	names, err := transfer.ListRemote(ctx, host, port, "/src")
	if err != nil {
		t.Fatalf("ListRemote: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected no names, got %v", names)
	}
}
