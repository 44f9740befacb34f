package process

import (
	"bytes"
	"os/exec"
	"sync"
)

const stderrKeep = 64 * 1024

// SafeCommand wraps exec.Cmd and keeps the tail of the child's stderr so a
// crash can be reported with the process' own last words.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

func NewSafeCommand(dir, name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	stderr := &TailBuffer{max: stderrKeep}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// TailBuffer is an io.Writer keeping at most max trailing bytes. It is safe to
// read while the child is still writing.
type TailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.max > 0 && t.buf.Len() > t.max {
		t.buf.Next(t.buf.Len() - t.max)
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}
