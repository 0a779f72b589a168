// Package tools routes tool calls from the AI service to registered handlers.
//
// The AI service requests a tool by name with JSON-encoded arguments and a
// correlation call ID. The [Dispatcher] looks up the handler, executes it, and
// produces a [Result] carrying the same call ID so the service can match the
// output to its request. Handlers come from two sources: built-in Go
// functions (see [RegisterPostMessage]) and external MCP servers bridged via
// the mcptool subpackage.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/pkg/realtime"
)

// Handler executes a single tool call. args is a JSON object string
// conforming to the tool's parameter schema ("{}" for parameter-less tools).
// The returned string is the tool output handed back to the AI service.
type Handler func(ctx context.Context, args string) (string, error)

// Result is the outcome of a dispatched tool call. CallID always matches the
// ID of the originating request.
type Result struct {
	CallID  string
	Output  string
	IsError bool
}

// Dispatcher holds the tool registry for a relay session.
//
// Safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	defs     []realtime.ToolDefinition
	handlers map[string]Handler

	metrics *observe.Metrics
}

// NewDispatcher creates an empty Dispatcher recording to metrics. A nil
// metrics falls back to [observe.DefaultMetrics].
func NewDispatcher(metrics *observe.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		metrics:  metrics,
	}
}

// Register adds a tool to the registry. Registering a name twice replaces the
// previous handler and definition.
func (d *Dispatcher) Register(def realtime.ToolDefinition, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[def.Name]; exists {
		for i := range d.defs {
			if d.defs[i].Name == def.Name {
				d.defs[i] = def
				break
			}
		}
	} else {
		d.defs = append(d.defs, def)
	}
	d.handlers[def.Name] = handler
}

// Definitions returns the registered tool definitions in registration order.
// The returned slice is a copy and may be passed to the AI service session
// config directly.
func (d *Dispatcher) Definitions() []realtime.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]realtime.ToolDefinition, len(d.defs))
	copy(out, d.defs)
	return out
}

// Dispatch executes the named tool and returns its result tagged with callID.
// An unknown tool name or a handler error produces an error Result rather
// than a Go error, so the failure travels back to the AI service instead of
// tearing down the session.
func (d *Dispatcher) Dispatch(ctx context.Context, callID, name, args string) Result {
	d.mu.RLock()
	handler, ok := d.handlers[name]
	d.mu.RUnlock()

	if !ok {
		d.metrics.RecordToolCall(ctx, name, "unknown")
		return Result{
			CallID:  callID,
			Output:  fmt.Sprintf("unknown tool %q", name),
			IsError: true,
		}
	}

	start := time.Now()
	output, err := handler(ctx, args)
	d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		d.metrics.RecordToolCall(ctx, name, "error")
		return Result{CallID: callID, Output: err.Error(), IsError: true}
	}

	d.metrics.RecordToolCall(ctx, name, "ok")
	return Result{CallID: callID, Output: output}
}
