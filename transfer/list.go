package transfer

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/relaylab/filesync/wire"
)

// ListRemote dials a file-server at host:port and issues a LIST
// command for dir, returning every filename up to the "." sentinel.
// This is the dispatcher's half of spec.md §4.6's `add` handling:
// "enumerate via LIST against the source".
func ListRemote(ctx context.Context, host string, port int, dir string) ([]string, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transfer: connect to %s for LIST: %w", addr, err)
	}
	defer conn.Close()

	if err := wire.WriteListRequest(conn, dir); err != nil {
		return nil, fmt.Errorf("transfer: send LIST: %w", err)
	}

	r := bufio.NewReader(conn)
	var names []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("transfer: reading LIST reply: %w", err)
		}
		line = line[:len(line)-1]
		if line == wire.ListSentinel {
			return names, nil
		}
		names = append(names, line)
	}
}
