package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/velhart/stencild/pkg/proto"
)

// Proc is a running worker process as the dispatcher sees it. The
// message channel closes when the process exits, whatever the cause.
type Proc interface {
	Send(proto.Message) error
	Messages() <-chan proto.Message
	Kill() error
	Pid() int
}

// SpawnFunc creates a new worker process
type SpawnFunc func() (Proc, error)

// execProc runs a worker as a child process, frames over its pipes
type execProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	msgs  chan proto.Message
}

// Spawn starts a worker child process. Its stderr is inherited so
// worker logs land next to the dispatcher's.
func Spawn(binary string, args ...string) (Proc, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	p := &execProc{
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		msgs:  make(chan proto.Message, 16),
	}
	go p.read(stdout)
	return p, nil
}

// read pumps worker frames until the pipe breaks, then reaps the
// process and closes the channel so the supervisor observes the exit.
func (p *execProc) read(stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	for {
		var msg proto.Message
		if err := dec.Decode(&msg); err != nil {
			break
		}
		p.msgs <- msg
	}
	p.cmd.Wait()
	close(p.msgs)
}

func (p *execProc) Send(msg proto.Message) error {
	return p.enc.Encode(msg)
}

func (p *execProc) Messages() <-chan proto.Message {
	return p.msgs
}

func (p *execProc) Kill() error {
	p.stdin.Close()
	return p.cmd.Process.Kill()
}

func (p *execProc) Pid() int {
	return p.cmd.Process.Pid
}

// SelfSpawn returns a SpawnFunc that re-executes the current binary
// in worker mode, the way the pool normally grows.
func SelfSpawn(args ...string) SpawnFunc {
	return func() (Proc, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate own binary: %w", err)
		}
		return Spawn(exe, append([]string{"worker"}, args...)...)
	}
}
