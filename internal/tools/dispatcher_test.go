package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/pkg/realtime"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return NewDispatcher(m)
}

func echoDefinition(name string) realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Name:        name,
		Description: "echoes its arguments",
		Parameters:  map[string]any{"type": "object"},
	}
}

func TestDispatch_RunsHandler(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	d.Register(echoDefinition("echo"), func(_ context.Context, args string) (string, error) {
		return "got:" + args, nil
	})

	res := d.Dispatch(context.Background(), "call-1", "echo", `{"x":1}`)
	if res.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", res.CallID)
	}
	if res.IsError {
		t.Errorf("unexpected error result: %s", res.Output)
	}
	if res.Output != `got:{"x":1}` {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)

	res := d.Dispatch(context.Background(), "call-2", "no_such_tool", "{}")
	if !res.IsError {
		t.Fatal("expected error result for unknown tool")
	}
	if res.CallID != "call-2" {
		t.Errorf("CallID = %q, want call-2", res.CallID)
	}
	if res.Output == "" {
		t.Error("error result should carry a message")
	}
}

func TestDispatch_HandlerError(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	d.Register(echoDefinition("failing"), func(context.Context, string) (string, error) {
		return "", errors.New("backend unavailable")
	})

	res := d.Dispatch(context.Background(), "call-3", "failing", "{}")
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if res.Output != "backend unavailable" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestRegister_ReplacesExisting(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	d.Register(echoDefinition("dup"), func(context.Context, string) (string, error) {
		return "first", nil
	})
	d.Register(echoDefinition("dup"), func(context.Context, string) (string, error) {
		return "second", nil
	})

	if got := len(d.Definitions()); got != 1 {
		t.Fatalf("definitions = %d, want 1", got)
	}
	res := d.Dispatch(context.Background(), "c", "dup", "{}")
	if res.Output != "second" {
		t.Errorf("Output = %q, want second", res.Output)
	}
}

func TestDefinitions_PreservesOrder(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	for i := range 5 {
		d.Register(echoDefinition(fmt.Sprintf("tool-%d", i)), func(context.Context, string) (string, error) {
			return "", nil
		})
	}

	defs := d.Definitions()
	if len(defs) != 5 {
		t.Fatalf("definitions = %d, want 5", len(defs))
	}
	for i, def := range defs {
		if want := fmt.Sprintf("tool-%d", i); def.Name != want {
			t.Errorf("defs[%d].Name = %q, want %q", i, def.Name, want)
		}
	}
}

func TestDispatch_Concurrent(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	d.Register(echoDefinition("echo"), func(_ context.Context, args string) (string, error) {
		return args, nil
	})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			callID := fmt.Sprintf("call-%d", i)
			res := d.Dispatch(context.Background(), callID, "echo", "{}")
			if res.CallID != callID {
				t.Errorf("CallID = %q, want %q", res.CallID, callID)
			}
		})
	}
	wg.Wait()
}
