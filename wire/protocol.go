// Package wire implements the byte-level framing shared by the
// transfer executor (client side of PULL/PUSH) and the file-server
// (server side). Both ends must agree on this framing byte-for-byte,
// so it lives in one place rather than being duplicated.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Command verbs recognized by the file-server's connection loop.
const (
	CmdList = "LIST"
	CmdPull = "PULL"
	CmdPush = "PUSH"
)

// ParseSizeHeader reads bytes from r up to and including the first
// SPACE, and interprets the preceding bytes as a signed decimal
// integer. It is used to parse the PULL reply's leading "<size> "
// token; the file-server reads PUSH's "<k>" token with ReadToken
// instead, since that token may end in a newline. The reader is left
// positioned immediately after the SPACE, at the first byte of
// whatever follows (payload, error message, or nothing).
func ParseSizeHeader(r *bufio.Reader) (int64, error) {
	token, err := r.ReadString(' ')
	if err != nil {
		return 0, fmt.Errorf("wire: reading size header: %w", err)
	}
	token = token[:len(token)-1] // drop the trailing space

	size, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wire: malformed size header %q: %w", token, err)
	}
	return size, nil
}

// ReadExactly reads exactly len(buf) bytes from r, looping over
// partial reads until buf is full or an error occurs. This is the
// receiver-side half of the "known fragility" spec.md §4.4 calls out:
// a PUSH chunk's k payload bytes are not length-delimited by anything
// other than the count already parsed from the header, so the reader
// must not return early on a short read.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return fmt.Errorf("wire: short read (wanted %d bytes): %w", len(buf), err)
	}
	return nil
}

// WritePushOpen sends the PUSH "-1" open-for-write framing.
func WritePushOpen(w io.Writer, path string) error {
	_, err := fmt.Fprintf(w, "PUSH %s -1\n", path)
	return err
}

// WritePushChunk sends one PUSH chunk: a "PUSH <path> <k> " header,
// immediately followed by exactly len(chunk) raw bytes. The header
// intentionally ends in a SPACE, not a newline - the receiver switches
// to a length-counted binary read after the header, per spec.md §4.4.
// Callers must not interleave any other write on the same connection
// between the header and the chunk bytes.
func WritePushChunk(w io.Writer, path string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "PUSH %s %d ", path, len(chunk)); err != nil {
		return fmt.Errorf("wire: writing push chunk header: %w", err)
	}
	if _, err := w.Write(chunk); err != nil {
		return fmt.Errorf("wire: writing push chunk payload: %w", err)
	}
	return nil
}

// WritePushClose sends the PUSH "0" close framing.
func WritePushClose(w io.Writer, path string) error {
	_, err := fmt.Fprintf(w, "PUSH %s 0\n", path)
	return err
}

// WritePullRequest sends the PULL command line.
func WritePullRequest(w io.Writer, path string) error {
	_, err := fmt.Fprintf(w, "PULL %s\n", path)
	return err
}

// WriteListRequest sends the LIST command line.
func WriteListRequest(w io.Writer, dir string) error {
	_, err := fmt.Fprintf(w, "LIST %s\n", dir)
	return err
}

// ListSentinel is the line that terminates a LIST reply.
const ListSentinel = "."

// ReadToken reads bytes from r until a SPACE or newline, returning the
// token read so far and which of the two delimiters terminated it. The
// delimiter byte is consumed. This is the primitive the file-server's
// command loop uses to tell apart PUSH's three differently-terminated
// frames ("PUSH <path> -1\n", "PUSH <path> <k> <raw bytes>",
// "PUSH <path> 0\n") without knowing in advance which one is coming.
func ReadToken(r *bufio.Reader) (string, byte, error) {
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
