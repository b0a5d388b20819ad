package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/linkflow/funcrt/internal/function"
)

// DefaultScriptTimeout bounds one script invocation.
const DefaultScriptTimeout = 30 * time.Second

var (
	ErrScriptTimeout = errors.New("handler script timed out")
	ErrScriptFailed  = errors.New("handler script failed")
)

// scriptProvider resolves a handler implemented as an interpreted module.
// Resident runtimes keep the module loaded in one long-lived interpreter;
// others load it fresh on every invocation.
type scriptProvider struct {
	runtime *scriptRuntime
	path    string
	root    string
	module  string
	entry   string
	timeout time.Duration
	logger  *slog.Logger

	// sourceTimestamp overrides the file mtime for modules extracted from a
	// bundle.
	sourceTimestamp time.Time
}

func (p *scriptProvider) Resolve(ctx context.Context) (*Resolved, error) {
	data, mtime, err := readSource(p.path, p.entry)
	if err != nil {
		return nil, err
	}
	if !p.sourceTimestamp.IsZero() {
		mtime = p.sourceTimestamp
	}

	interpreter, err := p.runtime.Interpreter()
	if err != nil {
		return nil, acquireErr(p.path, p.entry, ErrRuntimeUnavailable, err.Error())
	}

	source, err := filepath.Abs(p.path)
	if err != nil {
		return nil, acquireErr(p.path, p.entry, ErrModuleNotFound, err.Error())
	}
	root, err := filepath.Abs(p.root)
	if err != nil {
		return nil, acquireErr(p.path, p.entry, ErrModuleNotFound, err.Error())
	}

	wd, err := newWorkDir("funcrt-" + p.runtime.Language() + "-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	wrapper, err := wd.CreateFile(p.runtime.wrapperName, []byte(p.runtime.wrapper), 0o600)
	if err != nil {
		wd.Cleanup()
		return nil, fmt.Errorf("failed to write runtime wrapper: %w", err)
	}

	command := scriptCommand{
		interpreter: interpreter,
		wrapper:     wrapper,
		source:      source,
		root:        root,
		module:      p.module,
		entry:       p.entry,
		workDir:     wd.Path(),
		timeout:     p.timeout,
		logger:      p.logger,
	}
	if command.timeout <= 0 {
		command.timeout = DefaultScriptTimeout
	}

	var handler function.Handler
	cleanup := []func() error{wd.Cleanup}
	if p.runtime.resident {
		h := &residentHandler{scriptCommand: command}
		if err := h.load(ctx); err != nil {
			wd.Cleanup()
			return nil, err
		}
		handler = h
		cleanup = append(cleanup, h.Close)
	} else {
		h := &scriptHandler{scriptCommand: command}
		if err := h.check(ctx); err != nil {
			wd.Cleanup()
			return nil, err
		}
		handler = h
	}

	p.logger.Info("script handler loaded",
		slog.String("language", p.runtime.Language()),
		slog.String("interpreter", interpreter),
		slog.String("source", source),
		slog.String("entry", p.entry),
		slog.Bool("resident", p.runtime.resident),
	)

	return &Resolved{
		Handler:         handler,
		Name:            fmt.Sprintf("%s:%s#%s", p.runtime.Language(), p.path, p.entry),
		SourceTimestamp: mtime,
		SourceDigest:    Digest(data),
		cleanup:         cleanup,
	}, nil
}

// scriptCommand holds what is needed to start a runtime wrapper.
type scriptCommand struct {
	interpreter string
	wrapper     string
	source      string
	root        string
	module      string
	entry       string
	workDir     string
	timeout     time.Duration
	logger      *slog.Logger
}

func (c *scriptCommand) command(ctx context.Context, mode string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.interpreter, c.wrapper, c.source, c.entry, mode, c.root, c.module)
	cmd.Dir = c.root
	cmd.Env = buildSafeEnv(c.workDir)
	cmd.WaitDelay = time.Second
	return cmd
}

// scriptHandler starts the interpreter for every invocation. env travels
// in the request and response envelopes.
type scriptHandler struct {
	scriptCommand
}

type scriptRequest struct {
	Snapshot function.Snapshot `json:"snapshot"`
	Context  scriptContext     `json:"context"`
	Env      map[string]any    `json:"env"`
}

type scriptContext struct {
	Host             string  `json:"host"`
	Port             int     `json:"port"`
	InputKey         string  `json:"input_key"`
	OutputKey        string  `json:"output_key"`
	FunctionGetmtime *string `json:"function_getmtime"`
	LastExecution    *string `json:"last_execution"`
}

// scriptTimeLayout is ISO 8601 local time without an offset, the form
// handler modules compare against naive timestamps in snapshots.
const scriptTimeLayout = "2006-01-02T15:04:05.000000"

func newScriptContext(fc *function.Context) scriptContext {
	sc := scriptContext{
		Host:      fc.Host(),
		Port:      fc.Port(),
		InputKey:  fc.InputKey(),
		OutputKey: fc.OutputKey(),
	}
	if mtime := fc.FunctionSourceTimestamp(); !mtime.IsZero() {
		s := mtime.Local().Format(scriptTimeLayout)
		sc.FunctionGetmtime = &s
	}
	if last, ok := fc.LastExecution(); ok {
		s := last.Local().Format(scriptTimeLayout)
		sc.LastExecution = &s
	}
	return sc
}

type scriptResponse struct {
	Result function.Result `json:"result"`
	Env    map[string]any  `json:"env"`
}

type scriptRun struct {
	stdout   []byte
	stderr   string
	exitCode int
}

// check loads the module without invoking it, so acquisition errors
// surface at startup.
func (h *scriptHandler) check(ctx context.Context) error {
	run, err := h.run(ctx, "check", nil)
	if err != nil {
		return acquireErr(h.source, h.entry, ErrMalformedSource, err.Error())
	}

	switch run.exitCode {
	case exitOK:
		return nil
	case exitEntryMissing:
		return acquireErr(h.source, h.entry, ErrEntryPointMissing, tail(run.stderr))
	default:
		return acquireErr(h.source, h.entry, ErrMalformedSource, tail(run.stderr))
	}
}

func (h *scriptHandler) Invoke(ctx context.Context, snap function.Snapshot, fc *function.Context) (function.Result, error) {
	req := scriptRequest{
		Snapshot: snap,
		Context:  newScriptContext(fc),
		Env:      fc.Env,
	}

	input, err := function.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script request: %w", err)
	}

	run, err := h.run(ctx, "invoke", input)
	if err != nil {
		return nil, err
	}
	if run.stderr != "" {
		h.logger.Debug("handler stderr", slog.String("output", tail(run.stderr)))
	}
	if run.exitCode != exitOK {
		return nil, fmt.Errorf("%w: exit code %d: %s", ErrScriptFailed, run.exitCode, tail(run.stderr))
	}

	var resp scriptResponse
	if err := function.Unmarshal(run.stdout, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrScriptFailed, err)
	}

	if resp.Env != nil {
		clear(fc.Env)
		for k, v := range resp.Env {
			fc.Env[k] = v
		}
	}
	return resp.Result, nil
}

func (h *scriptHandler) run(ctx context.Context, mode string, input []byte) (*scriptRun, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := h.command(ctx, mode)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	run := &scriptRun{stdout: stdout.Bytes(), stderr: stderr.String()}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return run, fmt.Errorf("%w after %s", ErrScriptTimeout, h.timeout)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return run, ctxErr
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			run.exitCode = exitErr.ExitCode()
			return run, nil
		}
		return run, fmt.Errorf("failed to start %s: %w", h.interpreter, err)
	}
	return run, nil
}

// buildSafeEnv passes only what interpreters need. The parent environment
// may hold store credentials and is never inherited.
func buildSafeEnv(workDir string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
	}
	if path, ok := os.LookupEnv("PATH"); ok {
		env[0] = "PATH=" + path
	}
	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	const limit = 2048
	if len(s) > limit {
		return "..." + s[len(s)-limit:]
	}
	return s
}
