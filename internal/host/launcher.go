package host

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
)

// LaunchSpec describes a plugin process to start.
type LaunchSpec struct {
	// Path is the executable. Args[0] is passed as the process name.
	Path string
	Args []string
	// Env is added to the panel's own environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started plugin process.
type Process interface {
	Pid() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err waits for the process to exit and returns its exit error.
	Err() error
	Kill() error
}

// Launcher starts plugin processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher starts plugins as child processes with os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Path)
	cmd.Args = spec.Args
	cmd.Stdin = nil
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Env = append(os.Environ(), spec.Env...)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	// Monitor plugin process exit in background
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	killOnce sync.Once
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}
