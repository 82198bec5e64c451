// Package tools implements the tool schema catalog and the dispatch shim
// to externally-provided tool handlers.
//
// The registry maps names to (schema, handler) pairs. Handlers are
// supplied by the host; the core never implements tool side effects
// itself. Registration validates the parameter schema up front so a
// malformed tool definition fails at startup, not mid-request.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes one tool call. The args blob has already been
// validated against the tool's parameter schema. Handlers must honor
// ctx cancellation; the registry enforces the per-call timeout.
type Handler func(ctx context.Context, args json.RawMessage) (*Result, error)

// entry pairs a schema with its handler and the compiled validator.
type entry struct {
	schema   Schema
	handler  Handler
	compiled *jsonschema.Schema
}

// Registry is the tool catalog. It is append-only for the lifetime of
// an engine: tools register during startup and are never replaced.
//
// Thread Safety:
// Registry is safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]entry
	defaultTimeout time.Duration
}

// NewRegistry creates an empty registry. defaultTimeout bounds calls to
// tools whose schema does not set TimeoutMs; zero means 120s.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Second
	}
	return &Registry{
		entries:        make(map[string]entry),
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a tool. It fails with ErrDuplicateTool if the name is
// taken and rejects schemas whose Parameters do not compile.
func (r *Registry) Register(schema Schema, handler Handler) error {
	if schema.Name == "" {
		return fmt.Errorf("tools: schema has no name")
	}
	if handler == nil {
		return fmt.Errorf("tools: tool %s has no handler", schema.Name)
	}

	var compiled *jsonschema.Schema
	if len(schema.Parameters) > 0 {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("params.json", bytes.NewReader(schema.Parameters)); err != nil {
			return fmt.Errorf("tools: tool %s parameters: %w", schema.Name, err)
		}
		var err error
		compiled, err = c.Compile("params.json")
		if err != nil {
			return fmt.Errorf("tools: tool %s parameters: %w", schema.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[schema.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, schema.Name)
	}
	r.entries[schema.Name] = entry{schema: schema, handler: handler, compiled: compiled}
	return nil
}

// Available returns every registered schema, sorted by name for stable
// prompt construction.
func (r *Registry) Available() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]Schema, 0, len(r.entries))
	for _, e := range r.entries {
		schemas = append(schemas, e.schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Get returns the schema for a name.
func (r *Registry) Get(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.schema, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Invoke looks up and calls a tool. Unknown names fail with
// ErrToolNotFound. Arguments are validated against the compiled schema,
// the per-tool (or default) timeout is applied, and handler panics are
// recovered into ExecutionError with KindPanic.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	timeout := r.defaultTimeout
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if e.schema.TimeoutMs > 0 {
		timeout = time.Duration(e.schema.TimeoutMs) * time.Millisecond
	}

	if e.compiled != nil {
		var decoded any
		raw := args
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, NewExecutionError(name, err).WithKind(KindInvalidArgs)
		}
		if err := e.compiled.Validate(decoded); err != nil {
			return nil, NewExecutionError(name, err).WithKind(KindInvalidArgs)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				err := NewExecutionError(name, fmt.Errorf("panic: %v\n%s", rec, stack)).
					WithKind(KindPanic)
				done <- outcome{err: err}
			}
		}()
		result, err := e.handler(execCtx, args)
		if err != nil {
			done <- outcome{err: NewExecutionError(name, err)}
			return
		}
		done <- outcome{result: result}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewExecutionError(name, ctx.Err()).WithKind(KindCancelled)
		}
		return nil, NewExecutionError(name, fmt.Errorf("timed out after %s", timeout)).
			WithKind(KindTimeout)
	}
}
