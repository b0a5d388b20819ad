package provider

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/funcrt/internal/function"
)

func requireInterpreter(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeZip(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "bundle.zip")
	f, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		})
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func assertAcquireError(t *testing.T, err error, target error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, target)

	var ae *AcquireError
	assert.True(t, errors.As(err, &ae), "want *AcquireError, got %T", err)
}

func newContext() *function.Context {
	return function.NewContext(function.ContextConfig{Host: "localhost", Port: 6379, InputKey: "metrics", OutputKey: "out"})
}

func TestResolve_MissingSource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"missing.py", "missing.js", "missing.sh", "missing.so", "missing.zip"} {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(context.Background(), Options{Source: filepath.Join(dir, name)})
			assertAcquireError(t, err, ErrModuleNotFound)
		})
	}
}

func TestResolve_UnsupportedSource(t *testing.T) {
	path := writeFile(t, t.TempDir(), "handler.rb", "def handler; end")
	_, err := Resolve(context.Background(), Options{Source: path})
	assertAcquireError(t, err, ErrUnsupportedSource)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	h := function.HandlerFunc(func(context.Context, function.Snapshot, *function.Context) (function.Result, error) {
		return function.Result{"ok": 1}, nil
	})

	require.NoError(t, reg.Register("demo", map[string]function.Handler{"handler": h}))
	assert.Error(t, reg.Register("demo", map[string]function.Handler{"handler": h}))
	assert.Error(t, reg.Register("empty", nil))
	assert.Equal(t, []string{"demo"}, reg.Modules())
	assert.Equal(t, []string{"handler"}, reg.Entries("demo"))

	resolved, err := Resolve(context.Background(), Options{Source: "builtin:demo", Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, "builtin:demo#handler", resolved.Name)

	res, err := resolved.Handler.Invoke(context.Background(), function.Snapshot{}, newContext())
	require.NoError(t, err)
	assert.Equal(t, function.Result{"ok": 1}, res)

	_, err = Resolve(context.Background(), Options{Source: "builtin:nope", Registry: reg})
	assertAcquireError(t, err, ErrModuleNotFound)

	_, err = Resolve(context.Background(), Options{Source: "builtin:demo", Entry: "other", Registry: reg})
	assertAcquireError(t, err, ErrEntryPointMissing)
}

func TestPlugin_Malformed(t *testing.T) {
	path := writeFile(t, t.TempDir(), "handler.so", "not an elf file")
	_, err := Resolve(context.Background(), Options{Source: path})
	assertAcquireError(t, err, ErrMalformedSource)
}

func TestExportedName(t *testing.T) {
	assert.Equal(t, "Handler", exportedName("handler"))
	assert.Equal(t, "Handler", exportedName("Handler"))
	assert.Equal(t, "", exportedName(""))
}

const bashHandler = `
handler() {
  cat >/dev/null
  echo "log line" 1>&2
  printf '{"result": {"ok": 1}, "env": {"seen": true}}'
}

broken() {
  return 1
}
`

func TestScript_Bash(t *testing.T) {
	requireInterpreter(t, "bash")
	path := writeFile(t, t.TempDir(), "usermodule.sh", bashHandler)

	resolved, err := Resolve(context.Background(), Options{Source: path})
	require.NoError(t, err)
	defer resolved.Close()

	assert.Len(t, resolved.SourceDigest, 64)
	assert.False(t, resolved.SourceTimestamp.IsZero())

	fc := newContext()
	res, err := resolved.Handler.Invoke(context.Background(), function.Snapshot{"a": "b"}, fc)
	require.NoError(t, err)
	assert.Equal(t, function.Result{"ok": 1}, res)
	assert.Equal(t, true, fc.Env["seen"])

	broken, err := Resolve(context.Background(), Options{Source: path, Entry: "broken"})
	require.NoError(t, err)
	defer broken.Close()

	_, err = broken.Handler.Invoke(context.Background(), function.Snapshot{}, newContext())
	assert.ErrorIs(t, err, ErrScriptFailed)
}

func TestScript_BashAcquireErrors(t *testing.T) {
	requireInterpreter(t, "bash")
	dir := t.TempDir()

	path := writeFile(t, dir, "usermodule.sh", bashHandler)
	_, err := Resolve(context.Background(), Options{Source: path, Entry: "missing"})
	assertAcquireError(t, err, ErrEntryPointMissing)

	bad := writeFile(t, dir, "bad.sh", "handler() {\n  if then\n}\n")
	_, err = Resolve(context.Background(), Options{Source: bad})
	assertAcquireError(t, err, ErrMalformedSource)
}

const pythonHandler = `
def handler(snapshot, context):
    print("this goes to stderr")
    context.env["calls"] = context.env.get("calls", 0) + 1
    return {"calls": context.env["calls"], "cpu": snapshot["cpu"]}


def raises(snapshot, context):
    raise ValueError("bad snapshot")
`

func TestScript_Python(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeFile(t, t.TempDir(), "usermodule.py", pythonHandler)

	resolved, err := Resolve(context.Background(), Options{Source: path})
	require.NoError(t, err)
	defer resolved.Close()

	fc := newContext()
	for want := 1; want <= 3; want++ {
		res, err := resolved.Handler.Invoke(context.Background(), function.Snapshot{"cpu": 12.5}, fc)
		require.NoError(t, err)
		assert.Equal(t, float64(want), res["calls"])
		assert.Equal(t, 12.5, res["cpu"])
	}

	raising, err := Resolve(context.Background(), Options{Source: path, Entry: "raises"})
	require.NoError(t, err)
	defer raising.Close()

	_, err = raising.Handler.Invoke(context.Background(), function.Snapshot{}, newContext())
	require.ErrorIs(t, err, ErrScriptFailed)
	assert.Contains(t, err.Error(), "bad snapshot")
}

func TestScript_PythonAcquireErrors(t *testing.T) {
	requireInterpreter(t, "python3")
	dir := t.TempDir()

	path := writeFile(t, dir, "usermodule.py", pythonHandler)
	_, err := Resolve(context.Background(), Options{Source: path, Entry: "nope"})
	assertAcquireError(t, err, ErrEntryPointMissing)

	bad := writeFile(t, dir, "bad.py", "def handler(:\n")
	_, err = Resolve(context.Background(), Options{Source: bad})
	assertAcquireError(t, err, ErrMalformedSource)
}

func monitoringSnapshot(at time.Time, cpu string) function.Snapshot {
	return function.Snapshot{
		"timestamp":                       at.Format("2006-01-02T15:04:05.000000"),
		"cpu_percent-0":                   json.Number(cpu),
		"net_io_counters_eth0-bytes_sent": json.Number("25"),
		"net_io_counters_eth0-bytes_recv": json.Number("75"),
		"virtual_memory-buffers":          json.Number("100"),
		"virtual_memory-cached":           json.Number("300"),
		"virtual_memory-total":            json.Number("1000"),
	}
}

// The monitoring module keeps (percent, datetime) tuples in env and compares
// them against the next snapshot's timestamp.
func TestScript_PythonEnvKeepsNativeValues(t *testing.T) {
	requireInterpreter(t, "python3")
	dir := t.TempDir()
	source, err := os.ReadFile(filepath.Join("testdata", "monitoring.py"))
	require.NoError(t, err)
	path := writeFile(t, dir, "usermodule.py", string(source))

	resolved, err := Resolve(context.Background(), Options{Source: path})
	require.NoError(t, err)
	defer resolved.Close()

	fc := newContext()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cycles := []struct {
		at   time.Time
		cpu  string
		want float64
	}{
		{t0, "10.5", 10.5},
		{t0.Add(30 * time.Second), "20.5", 15.5},
		{t0.Add(90 * time.Second), "30.5", 30.5},
	}
	for _, c := range cycles {
		res, err := resolved.Handler.Invoke(context.Background(), monitoringSnapshot(c.at, c.cpu), fc)
		require.NoError(t, err, "cycle at %s", c.at)
		assert.InDelta(t, c.want, res["moving_average_cpu_percent-0"], 1e-9)
		assert.InDelta(t, 25.0, res["percentage_outgoing_bytes"], 1e-9)
		assert.InDelta(t, 40.0, res["percentage_memory_caching"], 1e-9)
		fc.RecordExecution(c.at)
	}
}

const pythonStatefulHandler = `
import datetime
import os
import time

state = {"loads": 0}
state["loads"] += 1


def handler(snapshot, context):
    if snapshot.get("exit"):
        os._exit(1)
    if snapshot.get("sleep"):
        time.sleep(snapshot["sleep"])
    assert isinstance(context.function_getmtime, datetime.datetime)
    context.env["calls"] = context.env.get("calls", 0) + 1
    return {"calls": context.env["calls"], "loads": state["loads"]}
`

func TestScript_PythonInterpreterRestarts(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeFile(t, t.TempDir(), "usermodule.py", pythonStatefulHandler)

	resolved, err := Resolve(context.Background(), Options{Source: path, Timeout: time.Second})
	require.NoError(t, err)
	defer resolved.Close()

	fc := function.NewContext(function.ContextConfig{FunctionSourceTimestamp: resolved.SourceTimestamp})
	invoke := func(snap function.Snapshot) (function.Result, error) {
		return resolved.Handler.Invoke(context.Background(), snap, fc)
	}

	for want := 1; want <= 2; want++ {
		res, err := invoke(function.Snapshot{})
		require.NoError(t, err)
		assert.Equal(t, float64(want), res["calls"])
		assert.Equal(t, float64(1), res["loads"], "module must be loaded once")
	}

	_, err = invoke(function.Snapshot{"exit": true})
	require.ErrorIs(t, err, ErrScriptFailed)

	res, err := invoke(function.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), res["calls"], "env resets with the interpreter")

	_, err = invoke(function.Snapshot{"sleep": 5})
	require.ErrorIs(t, err, ErrScriptTimeout)

	res, err = invoke(function.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), res["calls"])
}

func TestScript_PythonNonFiniteResult(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeFile(t, t.TempDir(), "usermodule.py", "def handler(snapshot, context):\n    return {\"x\": float(\"nan\")}\n")

	resolved, err := Resolve(context.Background(), Options{Source: path})
	require.NoError(t, err)
	defer resolved.Close()

	_, err = resolved.Handler.Invoke(context.Background(), function.Snapshot{}, newContext())
	assert.ErrorIs(t, err, ErrScriptFailed)
}

func TestScript_Node(t *testing.T) {
	requireInterpreter(t, "node")
	path := writeFile(t, t.TempDir(), "usermodule.js", `
let loads = 0;
loads += 1;
exports.handler = async (snapshot, context) => {
  console.log('to stderr');
  context.env.calls = (context.env.calls || 0) + 1;
  return { calls: context.env.calls, loads: loads, dated: context.function_getmtime instanceof Date ? 1 : 0 };
};
`)

	resolved, err := Resolve(context.Background(), Options{Source: path})
	require.NoError(t, err)
	defer resolved.Close()

	fc := function.NewContext(function.ContextConfig{FunctionSourceTimestamp: resolved.SourceTimestamp})
	for want := 1; want <= 3; want++ {
		res, err := resolved.Handler.Invoke(context.Background(), function.Snapshot{}, fc)
		require.NoError(t, err)
		assert.Equal(t, function.Result{"calls": float64(want), "loads": 1, "dated": 1}, res)
	}

	_, err = Resolve(context.Background(), Options{Source: path, Entry: "nope"})
	assertAcquireError(t, err, ErrEntryPointMissing)
}

func TestResolved_CloseStopsInterpreter(t *testing.T) {
	requireInterpreter(t, "python3")
	path := writeFile(t, t.TempDir(), "usermodule.py", pythonHandler)

	resolved, err := Resolve(context.Background(), Options{Source: path})
	require.NoError(t, err)
	require.NoError(t, resolved.Close())

	_, err = resolved.Handler.Invoke(context.Background(), function.Snapshot{"cpu": 1}, newContext())
	assert.ErrorIs(t, err, ErrScriptFailed)
}

func TestScript_Timeout(t *testing.T) {
	requireInterpreter(t, "bash")
	path := writeFile(t, t.TempDir(), "slow.sh", "handler() {\n  sleep 5\n}\n")

	resolved, err := Resolve(context.Background(), Options{Source: path, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer resolved.Close()

	_, err = resolved.Handler.Invoke(context.Background(), function.Snapshot{}, newContext())
	assert.ErrorIs(t, err, ErrScriptTimeout)
}

func TestBundle(t *testing.T) {
	requireInterpreter(t, "bash")
	dir := t.TempDir()

	archive := writeZip(t, dir, map[string]string{
		"usermodule.sh": bashHandler,
		"README":        "bundle",
	})

	resolved, err := Resolve(context.Background(), Options{Source: archive})
	require.NoError(t, err)
	defer resolved.Close()

	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), resolved.SourceTimestamp.UTC())
	assert.Contains(t, resolved.Name, "usermodule.sh")

	res, err := resolved.Handler.Invoke(context.Background(), function.Snapshot{}, newContext())
	require.NoError(t, err)
	assert.Equal(t, function.Result{"ok": 1}, res)
}

func TestBundle_PythonPackage(t *testing.T) {
	requireInterpreter(t, "python3")
	archive := writeZip(t, t.TempDir(), map[string]string{
		"monitor/__init__.py": "",
		"monitor/stateless.py": "def double(x):\n    return x * 2\n",
		"monitor/main.py": "from monitor.stateless import double\n\n" +
			"def handler(snapshot, context):\n    return {\"doubled\": double(snapshot[\"v\"])}\n",
	})

	resolved, err := Resolve(context.Background(), Options{Source: archive, Module: "monitor.main"})
	require.NoError(t, err)
	defer resolved.Close()

	res, err := resolved.Handler.Invoke(context.Background(), function.Snapshot{"v": 21}, newContext())
	require.NoError(t, err)
	assert.Equal(t, float64(42), res["doubled"])
}

func TestBundle_AcquireErrors(t *testing.T) {
	dir := t.TempDir()

	garbage := writeFile(t, dir, "garbage.zip", "not a zip")
	_, err := Resolve(context.Background(), Options{Source: garbage})
	assertAcquireError(t, err, ErrMalformedSource)

	empty := writeZip(t, t.TempDir(), map[string]string{"other.py": "x = 1\n"})
	_, err = Resolve(context.Background(), Options{Source: empty})
	assertAcquireError(t, err, ErrModuleNotFound)

	escaping := writeZip(t, t.TempDir(), map[string]string{
		"usermodule.sh": bashHandler,
		"../evil.sh":    "echo pwned",
	})
	_, err = Resolve(context.Background(), Options{Source: escaping})
	assertAcquireError(t, err, ErrMalformedSource)
}

func TestDigest(t *testing.T) {
	a := Digest([]byte("def handler(): pass"))
	b := Digest([]byte("def handler(): pass"))
	c := Digest([]byte("def handler(): return 1"))

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
