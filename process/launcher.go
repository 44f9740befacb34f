// Package process starts the external detection binaries and adapts their
// line protocols.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"RayRelay/config"
	"RayRelay/logger"

	"go.uber.org/zap"
)

var ErrUnavailable = errors.New("process unavailable")

// Process is a running external binary owned by one supervisor.
type Process struct {
	Name   string
	Cmd    *SafeCommand
	Stdin  io.WriteCloser
	Stdout io.ReadCloser // nil unless requested

	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

// Launch starts cfg.Binary inside cfg.Dir. When the binary is missing the build
// command is run first and must succeed before anything is launched.
func Launch(ctx context.Context, name string, cfg config.ProcessConfig, withStdout bool) (*Process, error) {
	binary := filepath.Join(cfg.Dir, cfg.Binary)
	if !fileExists(binary) {
		logger.Log().Warn("binary not found, building it",
			zap.String("process", name), zap.String("binary", binary), zap.Strings("build", cfg.Build))
		if err := build(ctx, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
		}
		if !fileExists(binary) {
			return nil, fmt.Errorf("%w: %s: build finished but %s is still missing", ErrUnavailable, name, binary)
		}
	}

	cmd := NewSafeCommand(cfg.Dir, cfg.Binary, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdin pipe: %w", name, err)
	}
	// os.Pipe instead of StdoutPipe: Wait must not close the read end while
	// the supervisor still drains it.
	var stdout, childOut *os.File
	if withStdout {
		stdout, childOut, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("%s stdout pipe: %w", name, err)
		}
		cmd.Stdout = childOut
	}
	if err := cmd.Start(); err != nil {
		if stdout != nil {
			_ = stdout.Close()
			_ = childOut.Close()
		}
		return nil, fmt.Errorf("%w: %s failed to start: %v", ErrUnavailable, name, err)
	}
	if childOut != nil {
		_ = childOut.Close()
	}
	logger.Log().Info("process started", zap.String("process", name), zap.Int("pid", cmd.Process.Pid))

	p := &Process{
		Name:  name,
		Cmd:   cmd,
		Stdin: stdin,
		done:  make(chan struct{}),
	}
	if stdout != nil {
		p.Stdout = stdout
	}
	go p.wait()
	return p, nil
}

func build(ctx context.Context, cfg config.ProcessConfig) error {
	if len(cfg.Build) == 0 {
		return errors.New("no build command configured")
	}
	cmd := exec.CommandContext(ctx, cfg.Build[0], cfg.Build[1:]...)
	cmd.Dir = cfg.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := out
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("build %v: %w\n%s", cfg.Build, err, tail)
	}
	return nil
}

// wait reaps the child so it never lingers as a zombie.
func (p *Process) wait() {
	p.waitErr = p.Cmd.Wait()
	if p.waitErr != nil {
		logger.Log().Warn("process exited",
			zap.String("process", p.Name), zap.Error(p.waitErr), zap.String("stderr", p.Cmd.Stderr.String()))
	} else {
		logger.Log().Info("process exited", zap.String("process", p.Name))
	}
	close(p.done)
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop closes stdin and waits up to timeout for the process to exit, then kills it.
func (p *Process) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		_ = p.Stdin.Close()
		select {
		case <-p.done:
		case <-time.After(timeout):
			logger.Log().Warn("process did not exit in time, killing it",
				zap.String("process", p.Name), zap.Duration("timeout", timeout))
			if kerr := p.Cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
			<-p.done
		}
	})
	return err
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
