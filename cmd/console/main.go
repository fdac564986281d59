// Command console is the operator's interactive client of spec.md
// §4.6: it dials the manager's console port, reads command lines from
// stdin, and prints whatever the manager replies with. All dispatch
// logic lives in the manager; this binary is a thin relay.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
)

func main() {
	var (
		logfile string
		host    string
		port    int
	)

	flag.StringVar(&logfile, "l", "", "Log file for console session activity (required)")
	flag.StringVar(&host, "h", "127.0.0.1", "Manager console host")
	flag.IntVar(&port, "p", 0, "Manager console port (required)")
	flag.Parse()

	if logfile == "" || port <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: console -l <logfile> -h <host> -p <port>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	lf, err := os.OpenFile(logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "console: open log file:", err)
		os.Exit(1)
	}
	defer lf.Close()
	logger := log.New(lf, "", log.LstdFlags)

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "console: connect to manager:", err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Printf("connected to manager at %s", addr)
	fmt.Printf("connected to manager at %s. Commands: add <src> <dst>, cancel <src>, status, shutdown\n", addr)

	go relayReplies(conn, logger)

	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		line := stdin.Text()
		if line == "" {
			continue
		}
		logger.Printf("> %s", line)
		if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
			fmt.Fprintln(os.Stderr, "console: send:", err)
			return
		}
		if line == "shutdown" {
			break
		}
	}
}

// relayReplies copies everything the manager sends back to stdout,
// logging each line, until the connection closes.
func relayReplies(r io.Reader, logger *log.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Println(line)
		logger.Printf("< %s", line)
	}
}
