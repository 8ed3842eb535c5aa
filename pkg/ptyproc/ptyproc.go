// Package ptyproc owns one pseudoterminal and the child process attached to
// it, exposing read/write/resize to the session layer.
package ptyproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

type Config struct {
	// Shell is the command to run; defaults to $SHELL then /bin/sh.
	Shell string
	Args  []string
	Cwd   string
	Env   []string
	Rows  uint16
	Cols  uint16
}

var ErrClosed = errors.New("pty is closed")

// Proc is a running PTY-backed process.
type Proc struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// Start spawns the configured child on a fresh PTY.
func Start(cfg Config) (*Proc, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = append(os.Environ(), cfg.Env...)

	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	file, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &Proc{cmd: cmd, file: file}, nil
}

// TryRead reads available output, waiting at most timeout. A timeout is not
// an error; it returns (0, nil).
func (p *Proc) TryRead(buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	if err := file.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := file.Read(buf)
	if err != nil {
		if os.IsTimeout(err) {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Write feeds input bytes into the terminal.
func (p *Proc) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	return p.file.Write(data)
}

// Resize changes the terminal dimensions and signals the child.
func (p *Proc) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return pty.Setsize(p.file, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close terminates the child and releases the PTY. Safe to call twice.
func (p *Proc) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	file := p.file
	p.mu.Unlock()

	if p.cmd.Process != nil {
		// SIGHUP first, the polite terminal signal; SIGKILL after a
		// grace period if the child ignores it.
		_ = p.cmd.Process.Signal(syscall.SIGHUP)
		done := make(chan struct{})
		go func() {
			_, _ = p.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = p.cmd.Process.Kill()
			<-done
		}
	}
	return file.Close()
}

// Pid returns the child process id, or 0 when it never started.
func (p *Proc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
