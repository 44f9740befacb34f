package process

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

const maxLine = 1024 * 1024

// Lines reads protocol lines from a process stream.
type Lines struct {
	scanner *bufio.Scanner
	mu      sync.Mutex
}

// NewLines splits r on newlines. Each prompt is also returned as a line of its
// own as soon as it is complete, for processes that print prompts without a
// trailing newline and then wait for input.
func NewLines(r io.Reader, prompts ...string) *Lines {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLine)
	s.Split(ScanPrompts(prompts...))
	return &Lines{scanner: s}
}

// ReadLine returns the next line without its terminator, or io.EOF.
func (l *Lines) ReadLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scanner.Scan() {
		return l.scanner.Text(), nil
	}
	if err := l.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// ScanPrompts is a bufio.SplitFunc for newline separated text with
// unterminated prompts.
func ScanPrompts(prompts ...string) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		cut := bytes.IndexByte(data, '\n')

		at, size := -1, 0
		for _, p := range prompts {
			i := bytes.Index(data, []byte(p))
			if i < 0 || (cut >= 0 && i > cut) {
				continue
			}
			if at < 0 || i < at {
				at, size = i, len(p)
			}
		}
		switch {
		case at > 0:
			// text in front of the prompt is a line of its own
			return at, dropCR(data[:at]), nil
		case at == 0:
			return size, data[:size], nil
		case cut >= 0:
			return cut + 1, dropCR(data[:cut]), nil
		case atEOF:
			return len(data), dropCR(data), nil
		}
		return 0, nil, nil
	}
}

func dropCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// Writer sends newline terminated lines. Concurrent WriteLine calls never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, line+"\n")
	return err
}
