package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// recordingSender captures posted messages and optionally injects a failure.
type recordingSender struct {
	channelIDs []string
	contents   []string
	err        error
}

func (r *recordingSender) send(channelID, content string) error {
	if r.err != nil {
		return r.err
	}
	r.channelIDs = append(r.channelIDs, channelID)
	r.contents = append(r.contents, content)
	return nil
}

func TestPostMessage_SendsContent(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	rec := &recordingSender{}
	RegisterPostMessage(d, "text-1", rec.send)

	res := d.Dispatch(context.Background(), "c1", "post_message", `{"content":"session summary posted"}`)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	if len(rec.contents) != 1 || rec.contents[0] != "session summary posted" {
		t.Errorf("sent = %v", rec.contents)
	}
	if rec.channelIDs[0] != "text-1" {
		t.Errorf("channel = %q, want text-1", rec.channelIDs[0])
	}
}

func TestPostMessage_EmptyContent(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	rec := &recordingSender{}
	RegisterPostMessage(d, "text-1", rec.send)

	res := d.Dispatch(context.Background(), "c2", "post_message", `{"content":"   "}`)
	if !res.IsError {
		t.Fatal("expected error result for empty content")
	}
	if len(rec.contents) != 0 {
		t.Errorf("nothing should have been sent, got %v", rec.contents)
	}
}

func TestPostMessage_InvalidJSON(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	rec := &recordingSender{}
	RegisterPostMessage(d, "text-1", rec.send)

	res := d.Dispatch(context.Background(), "c3", "post_message", `{not json`)
	if !res.IsError {
		t.Fatal("expected error result for invalid arguments")
	}
}

func TestPostMessage_TruncatesLongContent(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	rec := &recordingSender{}
	RegisterPostMessage(d, "text-1", rec.send)

	long := strings.Repeat("a", maxMessageLength+500)
	res := d.Dispatch(context.Background(), "c4", "post_message", `{"content":"`+long+`"}`)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	if got := len(rec.contents[0]); got != maxMessageLength {
		t.Errorf("sent length = %d, want %d", got, maxMessageLength)
	}
}

func TestPostMessage_SendFailure(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	rec := &recordingSender{err: errors.New("channel not found")}
	RegisterPostMessage(d, "text-1", rec.send)

	res := d.Dispatch(context.Background(), "c5", "post_message", `{"content":"hello"}`)
	if !res.IsError {
		t.Fatal("expected error result when send fails")
	}
	if !strings.Contains(res.Output, "channel not found") {
		t.Errorf("Output = %q", res.Output)
	}
}
