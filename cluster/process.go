package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// LaunchConfig describes how to start one node executable.
type LaunchConfig struct {
	Name       string
	Executable string
	ConfigFile string
	WalletFile string
	Genesis    string
	DataDir    string
	ExtraArgs  []string
	Dir        string
	// CleanData wipes DataDir before the node starts.
	CleanData bool
}

// Args returns the command line the node is started with.
func (c LaunchConfig) Args() []string {
	var args []string
	if c.ConfigFile != "" {
		args = append(args, "--config", c.ConfigFile)
	}
	if c.WalletFile != "" {
		args = append(args, "--wallet", c.WalletFile)
	}
	if c.Genesis != "" {
		args = append(args, "--genesis", c.Genesis)
	}
	if c.DataDir != "" {
		args = append(args, "--data-dir", c.DataDir)
	}
	return append(args, c.ExtraArgs...)
}

// Process is a node executable started by the oracle.
type Process struct {
	name string
	cmd  *exec.Cmd

	done    chan struct{}
	waitErr error
	pipes   sync.WaitGroup

	terminateOnce sync.Once
}

// Launch starts the node executable and streams its stdout and stderr into
// the logger line by line.
func Launch(ctx context.Context, cfg LaunchConfig) (*Process, error) {
	if cfg.Executable == "" {
		return nil, errors.New("no executable configured")
	}
	name := cfg.Name
	if name == "" {
		name = filepath.Base(cfg.Executable)
	}
	cmd := exec.Command(cfg.Executable, cfg.Args()...) //nolint:gosec
	cmd.Dir = cfg.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.DataDir != "" {
		if cfg.CleanData {
			if err := os.RemoveAll(cfg.DataDir); err != nil {
				return nil, fmt.Errorf("clean data dir: %w", err)
			}
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Executable, err)
	}
	p := &Process{name: name, cmd: cmd, done: make(chan struct{})}
	logger := log.New("node", name, "pid", cmd.Process.Pid)
	logger.Info("Started node process", "cmd", cmd.String())

	p.pipes.Add(2)
	go p.pipe(stdout, logger.New("stream", "stdout"))
	go p.pipe(stderr, logger.New("stream", "stderr"))
	go func() {
		p.pipes.Wait()
		p.waitErr = cmd.Wait()
		logger.Debug("Node process stopped", "err", p.waitErr)
		close(p.done)
	}()
	return p, nil
}

func (p *Process) pipe(r io.Reader, logger log.Logger) {
	defer p.pipes.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Dropping node output", "err", err)
	}
	// Keep the child from blocking on a full pipe.
	io.Copy(io.Discard, r)
}

// Pid returns the operating system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited reports whether the process has stopped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the process has stopped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit status once the process has stopped.
func (p *Process) Err() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// Terminate kills the process and waits for it to be reaped. A process that
// already exited on its own is not an error.
func (p *Process) Terminate() error {
	var err error
	p.terminateOnce.Do(func() {
		if p.Exited() {
			return
		}
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill %s: %w", p.name, kerr)
			return
		}
		<-p.done
	})
	return err
}
