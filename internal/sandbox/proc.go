package sandbox

import (
	"io"
	"os"
	"os/exec"
	"sync"
)

// cmdProc is the real workerProc: one OS process per execution.
type cmdProc struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.Reader
	err *capBuffer

	killOnce sync.Once
}

func newCmdProc(argv []string) (*cmdProc, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	// The worker inherits nothing from the host environment.
	cmd.Env = []string{}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	errBuf := &capBuffer{limit: 8 << 10}
	cmd.Stderr = errBuf

	return &cmdProc{cmd: cmd, in: stdin, out: stdout, err: errBuf}, nil
}

func (p *cmdProc) start() error          { return p.cmd.Start() }
func (p *cmdProc) stdin() io.WriteCloser { return p.in }
func (p *cmdProc) stdout() io.Reader     { return p.out }

// kill forcefully terminates the worker. Idempotent: both the watchdog and
// the context monitor may race to deliver it.
func (p *cmdProc) kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

func (p *cmdProc) wait() error { return p.cmd.Wait() }

func (p *cmdProc) state() *os.ProcessState { return p.cmd.ProcessState }

func (p *cmdProc) stderr() string { return p.err.String() }

// capBuffer collects at most limit bytes and discards the rest. Worker
// stderr is diagnostic only; an adversarial flood must not grow host
// memory.
type capBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
