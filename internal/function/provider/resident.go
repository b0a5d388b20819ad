package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/linkflow/funcrt/internal/function"
)

// stopGrace is how long Close waits for an interpreter to exit after its
// stdin is closed before killing it.
const stopGrace = time.Second

var errReadTimeout = errors.New("timed out waiting for interpreter")

// residentHandler keeps one interpreter process per resolved handler. The
// module is loaded once and env lives inside the interpreter as a native
// object, so values such as datetimes and tuples survive between cycles.
//
// Invocations are serialized. A process that times out, dies or breaks the
// line protocol is killed and replaced on the next invocation; its env is
// lost when that happens.
type residentHandler struct {
	scriptCommand

	mu     sync.Mutex
	proc   *residentProcess
	closed bool
}

type residentRequest struct {
	Snapshot function.Snapshot `json:"snapshot"`
	Context  scriptContext     `json:"context"`
}

type residentResponse struct {
	OK     bool            `json:"ok"`
	Ready  bool            `json:"ready"`
	Result function.Result `json:"result"`
	Error  string          `json:"error"`
}

// load starts the interpreter and waits for the module to report ready.
// Load failures map to acquisition errors.
func (h *residentHandler) load(ctx context.Context) error {
	p, err := h.start(ctx)
	if err != nil {
		var exitErr *processExitError
		if errors.As(err, &exitErr) && exitErr.code == exitEntryMissing {
			return acquireErr(h.source, h.entry, ErrEntryPointMissing, tail(exitErr.stderr))
		}
		if errors.As(err, &exitErr) {
			return acquireErr(h.source, h.entry, ErrMalformedSource, tail(exitErr.stderr))
		}
		return acquireErr(h.source, h.entry, ErrMalformedSource, err.Error())
	}

	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
	return nil
}

func (h *residentHandler) start(ctx context.Context) (*residentProcess, error) {
	cmd := h.command(context.Background(), "serve")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open interpreter stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open interpreter stdout: %w", err)
	}

	p := &residentProcess{
		cmd:    cmd,
		stdin:  stdin,
		stderr: &stderrTail{},
		lines:  make(chan []byte, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", h.interpreter, err)
	}
	go p.read(stdout)

	line, err := p.receive(ctx, h.timeout)
	if err != nil {
		p.kill()
		return nil, err
	}

	var ready residentResponse
	if err := function.Unmarshal(line, &ready); err != nil || !ready.Ready {
		p.kill()
		return nil, fmt.Errorf("unexpected handshake from interpreter: %s", tail(string(line)))
	}
	return p, nil
}

func (h *residentHandler) Invoke(ctx context.Context, snap function.Snapshot, fc *function.Context) (function.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("%w: handler is closed", ErrScriptFailed)
	}
	if h.proc == nil {
		p, err := h.start(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to restart interpreter: %w", ErrScriptFailed, err)
		}
		h.logger.Warn("script interpreter restarted, handler env was reset",
			slog.String("source", h.source),
			slog.String("entry", h.entry),
		)
		h.proc = p
	}
	p := h.proc

	input, err := function.Marshal(residentRequest{Snapshot: snap, Context: newScriptContext(fc)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode script request: %w", err)
	}
	if _, err := p.stdin.Write(append(input, '\n')); err != nil {
		h.discard()
		return nil, fmt.Errorf("%w: failed to write request: %v: %s", ErrScriptFailed, err, tail(p.stderr.Drain()))
	}

	line, err := p.receive(ctx, h.timeout)
	if err != nil {
		h.discard()
		var exitErr *processExitError
		switch {
		case errors.Is(err, errReadTimeout):
			return nil, fmt.Errorf("%w after %s", ErrScriptTimeout, h.timeout)
		case errors.As(err, &exitErr):
			return nil, fmt.Errorf("%w: %v", ErrScriptFailed, err)
		default:
			return nil, err
		}
	}
	if out := p.stderr.Drain(); out != "" {
		h.logger.Debug("handler stderr", slog.String("output", tail(out)))
	}

	var resp residentResponse
	if err := function.Unmarshal(line, &resp); err != nil {
		h.discard()
		return nil, fmt.Errorf("%w: invalid response: %v", ErrScriptFailed, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: %s", ErrScriptFailed, tail(resp.Error))
	}
	return resp.Result, nil
}

// discard kills the current process. Callers hold h.mu.
func (h *residentHandler) discard() {
	if h.proc != nil {
		h.proc.kill()
		h.proc = nil
	}
}

// Close stops the interpreter. Closing stdin lets the wrapper exit on its
// own; it is killed if it does not within stopGrace.
func (h *residentHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	if h.proc == nil {
		return nil
	}
	p := h.proc
	h.proc = nil

	p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(stopGrace):
		p.kill()
		<-p.exited
	}
	return nil
}

type residentProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *stderrTail

	lines    chan []byte
	quit     chan struct{}
	quitOnce sync.Once

	exited   chan struct{}
	exitCode int
}

// read forwards stdout lines until the interpreter closes stdout, then
// reaps the process.
func (p *residentProcess) read(stdout io.Reader) {
	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if err == nil {
			select {
			case p.lines <- line:
			case <-p.quit:
			}
			continue
		}
		break
	}
	close(p.lines)

	p.cmd.Wait()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	close(p.exited)
}

func (p *residentProcess) receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-p.lines:
		if !ok {
			<-p.exited
			return nil, &processExitError{code: p.exitCode, stderr: p.stderr.Drain()}
		}
		return line, nil
	case <-timer.C:
		return nil, errReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *residentProcess) kill() {
	p.quitOnce.Do(func() {
		close(p.quit)
		p.stdin.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	})
}

type processExitError struct {
	code   int
	stderr string
}

func (e *processExitError) Error() string {
	return fmt.Sprintf("interpreter exited with code %d: %s", e.code, tail(e.stderr))
}

// stderrTail keeps the most recent interpreter stderr output.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

const stderrLimit = 16 << 10

func (t *stderrTail) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > stderrLimit {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-stderrLimit:]...)
	}
	return len(b), nil
}

// Drain returns and forgets the buffered output.
func (t *stderrTail) Drain() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := string(t.buf)
	t.buf = t.buf[:0]
	return s
}
