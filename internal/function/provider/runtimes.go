package provider

import (
	"fmt"
	"os/exec"
)

// Exit codes shared by the runtime wrappers.
const (
	exitOK            = 0
	exitEntryMissing  = 3
	exitMalformed     = 4
	exitHandlerFailed = 5
)

// scriptRuntime describes an interpreter able to run handler modules. The
// wrapper loads the module and checks the entry point.
//
// Resident runtimes keep one interpreter process per resolved handler: the
// wrapper prints a ready line, then answers one request line per invocation
// on stdin/stdout, so module globals and env stay native objects between
// calls. Other runtimes are started per invocation and exchange env through
// the request and response envelopes.
//
// Wrapper arguments: <source> <entry> <serve|check|invoke> <root> <module>.
type scriptRuntime struct {
	language     string
	interpreters []string
	extensions   []string
	wrapperName  string
	wrapper      string
	resident     bool
}

func (r *scriptRuntime) Language() string {
	return r.language
}

// Interpreter returns the first interpreter found on PATH.
func (r *scriptRuntime) Interpreter() (string, error) {
	for _, name := range r.interpreters {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of %v found on PATH", r.interpreters)
}

func (r *scriptRuntime) Available() bool {
	_, err := r.Interpreter()
	return err == nil
}

var runtimes = []*scriptRuntime{
	{
		language:     "python",
		interpreters: []string{"python3", "python"},
		extensions:   []string{".py"},
		wrapperName:  "funcrt_wrapper.py",
		wrapper:      pythonWrapper,
		resident:     true,
	},
	{
		language:     "javascript",
		interpreters: []string{"node"},
		extensions:   []string{".js", ".cjs"},
		wrapperName:  "funcrt_wrapper.js",
		wrapper:      nodeWrapper,
		resident:     true,
	},
	{
		language:     "bash",
		interpreters: []string{"bash"},
		extensions:   []string{".sh"},
		wrapperName:  "funcrt_wrapper.sh",
		wrapper:      bashWrapper,
	},
}

func runtimeForExt(ext string) *scriptRuntime {
	for _, rt := range runtimes {
		for _, e := range rt.extensions {
			if e == ext {
				return rt
			}
		}
	}
	return nil
}

// Handler modules see the snapshot as a dict/object and a context object
// exposing host, port, input_key, output_key, function_getmtime,
// last_execution and a mutable env. Anything the module prints goes to
// stderr so stdout carries only protocol lines.
const pythonWrapper = `import importlib.util
import json
import os
import sys
import traceback
from datetime import datetime

TIME_FIELDS = ("function_getmtime", "last_execution")


class Context:
    def __init__(self):
        self.env = {}

    def update(self, fields):
        for key, value in fields.items():
            if key == "env":
                continue
            if key in TIME_FIELDS and isinstance(value, str):
                value = datetime.fromisoformat(value)
            setattr(self, key, value)


def send(out, payload):
    out.write(payload + "\n")
    out.flush()


def main():
    source, entry, mode, root, name = sys.argv[1:6]
    out = sys.stdout
    sys.stdout = sys.stderr
    sys.path.insert(0, root)

    try:
        search = [os.path.dirname(source)] if os.path.basename(source) == "__init__.py" else None
        spec = importlib.util.spec_from_file_location(name, source, submodule_search_locations=search)
        module = importlib.util.module_from_spec(spec)
        sys.modules[name] = module
        spec.loader.exec_module(module)
    except Exception:
        traceback.print_exc()
        sys.exit(4)

    fn = getattr(module, entry, None)
    if not callable(fn):
        print("entry point %r not found in %s" % (entry, source), file=sys.stderr)
        sys.exit(3)
    if mode != "serve":
        sys.exit(0)

    ctx = Context()
    send(out, json.dumps({"ready": True}))
    while True:
        line = sys.stdin.readline()
        if not line:
            break
        line = line.strip()
        if not line:
            continue
        request = json.loads(line)
        ctx.update(request.get("context") or {})
        try:
            result = fn(request["snapshot"], ctx)
            payload = json.dumps({"ok": True, "result": result}, allow_nan=False)
        except Exception:
            payload = json.dumps({"ok": False, "error": traceback.format_exc()})
        send(out, payload)


main()
`

const nodeWrapper = `'use strict';
const readline = require('readline');
const [source, entry, mode] = process.argv.slice(2, 5);
const write = process.stdout.write.bind(process.stdout);
console.log = console.error;
console.info = console.error;

let mod;
try {
  mod = require(source);
} catch (err) {
  console.error(err && err.stack ? err.stack : String(err));
  process.exit(4);
}

const fn = mod && typeof mod[entry] === 'function' ? mod[entry] : null;
if (!fn) {
  console.error('entry point ' + JSON.stringify(entry) + ' not found in ' + source);
  process.exit(3);
}
if (mode !== 'serve') {
  process.exit(0);
}

const ctx = { env: {} };
const timeFields = ['function_getmtime', 'last_execution'];
write(JSON.stringify({ ready: true }) + '\n');

const rl = readline.createInterface({ input: process.stdin });
let queue = Promise.resolve();
rl.on('line', (line) => {
  if (!line.trim()) {
    return;
  }
  queue = queue.then(async () => {
    const request = JSON.parse(line);
    const fields = request.context || {};
    for (const key of Object.keys(fields)) {
      if (key === 'env') {
        continue;
      }
      const value = fields[key];
      ctx[key] = timeFields.includes(key) && typeof value === 'string' ? new Date(value) : value;
    }
    let response;
    try {
      const result = await fn(request.snapshot, ctx);
      response = JSON.stringify({ ok: true, result: result });
    } catch (err) {
      response = JSON.stringify({ ok: false, error: err && err.stack ? err.stack : String(err) });
    }
    write(response + '\n');
  });
});
rl.on('close', () => { queue.then(() => process.exit(0)); });
`

// Bash handlers read the request envelope on stdin and must print the
// response envelope ({"result": {...}, "env": {...}}) themselves.
const bashWrapper = `#!/usr/bin/env bash
source_file="$1"
entry="$2"
mode="$3"

bash -n "$source_file" 1>&2 || exit 4
# shellcheck disable=SC1090
source "$source_file" 1>&2 || exit 4
declare -F "$entry" >/dev/null || { echo "entry point '$entry' not found in $source_file" 1>&2; exit 3; }
[ "$mode" = "check" ] && exit 0
"$entry" || exit 5
`
