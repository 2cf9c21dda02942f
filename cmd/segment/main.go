// Command segment copies exactly one block of count bytes from stdin to
// stdout: segment <count>.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/cjeanneret/sortcam/internal/logic/pump"
)

// maxCount bounds the single allocation.
const maxCount = 1 << 30

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: segment <count>")
		return 1
	}
	count, err := parseCount(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "segment: %v\n", err)
		return 1
	}

	buf, err := readSegment(stdin, count)
	if c, ok := stdin.(io.Closer); ok {
		c.Close()
	}
	if err != nil {
		fmt.Fprintf(stderr, "segment: %v\n", err)
		return 1
	}

	if _, err := pump.WriteFull(stdout, buf); err != nil {
		fmt.Fprintf(stderr, "segment: write: %v\n", err)
		return 1
	}
	return 0
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	if n < 0 || n > maxCount {
		return 0, fmt.Errorf("count must be between 0 and %s, got %d", humanize.IBytes(maxCount), n)
	}
	return n, nil
}

// readSegment reads exactly count bytes; a short stream is an error.
func readSegment(r io.Reader, count int) ([]byte, error) {
	buf := make([]byte, count)
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("short read: got %d of %d bytes", n, count)
	}
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return buf, nil
}
