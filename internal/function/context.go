package function

import (
	"time"
)

// ContextConfig holds the identity fields a Context is built from.
type ContextConfig struct {
	Host                    string
	Port                    int
	InputKey                string
	OutputKey               string
	Handler                 string
	FunctionSourceTimestamp time.Time
	FunctionSourceDigest    string
}

// Context is the per-process execution context handed to every handler
// invocation. Identity fields are fixed at construction; Env is the one
// field handlers are expected to mutate, and it lives until the process exits.
type Context struct {
	host                    string
	port                    int
	inputKey                string
	outputKey               string
	handler                 string
	functionSourceTimestamp time.Time
	functionSourceDigest    string

	lastExecution time.Time
	executed      bool

	// Env persists handler-owned state between invocations. The runtime
	// never reads or resets its contents.
	Env map[string]any
}

// NewContext creates a context with an empty Env and no recorded execution.
func NewContext(cfg ContextConfig) *Context {
	return &Context{
		host:                    cfg.Host,
		port:                    cfg.Port,
		inputKey:                cfg.InputKey,
		outputKey:               cfg.OutputKey,
		handler:                 cfg.Handler,
		functionSourceTimestamp: cfg.FunctionSourceTimestamp,
		functionSourceDigest:    cfg.FunctionSourceDigest,
		Env:                     make(map[string]any),
	}
}

func (c *Context) Host() string      { return c.host }
func (c *Context) Port() int         { return c.port }
func (c *Context) InputKey() string  { return c.inputKey }
func (c *Context) OutputKey() string { return c.outputKey }
func (c *Context) Handler() string   { return c.handler }

// FunctionSourceTimestamp is the modification time of the handler source at
// load time.
func (c *Context) FunctionSourceTimestamp() time.Time { return c.functionSourceTimestamp }

// FunctionSourceDigest is a hex BLAKE2b-256 digest of the handler source, or
// empty when the handler is compiled in.
func (c *Context) FunctionSourceDigest() string { return c.functionSourceDigest }

// LastExecution returns the time of the most recent successful invocation
// whose result was stored. ok is false until the first one.
func (c *Context) LastExecution() (t time.Time, ok bool) {
	return c.lastExecution, c.executed
}

// RecordExecution marks a successful invocation at now.
func (c *Context) RecordExecution(now time.Time) {
	c.lastExecution = now
	c.executed = true
}

// Status is a read-only view of the context for reporting.
type Status struct {
	Host                    string     `json:"host"`
	Port                    int        `json:"port"`
	InputKey                string     `json:"input_key"`
	OutputKey               string     `json:"output_key"`
	Handler                 string     `json:"handler"`
	FunctionSourceTimestamp time.Time  `json:"function_source_timestamp"`
	FunctionSourceDigest    string     `json:"function_source_digest,omitempty"`
	LastExecution           *time.Time `json:"last_execution,omitempty"`
	EnvKeys                 int        `json:"env_keys"`
}

// Status snapshots the context fields. Env contents are not exposed.
func (c *Context) Status() Status {
	s := Status{
		Host:                    c.host,
		Port:                    c.port,
		InputKey:                c.inputKey,
		OutputKey:               c.outputKey,
		Handler:                 c.handler,
		FunctionSourceTimestamp: c.functionSourceTimestamp,
		FunctionSourceDigest:    c.functionSourceDigest,
		EnvKeys:                 len(c.Env),
	}
	if c.executed {
		t := c.lastExecution
		s.LastExecution = &t
	}
	return s
}
