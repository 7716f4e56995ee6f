package dazee

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitUnlimitedByDefault(t *testing.T) {
	inner := &mockProvider{}
	p := WithRateLimit(inner)
	if p.Name() != "mock" {
		t.Errorf("name = %q", p.Name())
	}

	start := time.Now()
	for i := 0; i < 10; i++ {
		if _, err := p.Chat(context.Background(), ModelRequest{}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("10 unlimited requests took %v", elapsed)
	}
}

func TestRateLimitBlocksPastRPM(t *testing.T) {
	inner := &mockProvider{responses: []ModelResponse{textResponse("a"), textResponse("b")}}
	p := WithRateLimit(inner, RPM(2))

	for i := 0; i < 2; i++ {
		if _, err := p.Chat(context.Background(), ModelRequest{}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Chat(ctx, ModelRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded while over budget", err)
	}
	if len(inner.requests) != 2 {
		t.Errorf("inner calls = %d, want 2 (third blocked)", len(inner.requests))
	}
}

func TestRateLimitTPMIsSoft(t *testing.T) {
	// textResponse reports 15 tokens of usage, already past the 10-token
	// budget: the request that crosses the line completes, the next blocks.
	inner := &mockProvider{responses: []ModelResponse{textResponse("big")}}
	p := WithRateLimit(inner, TPM(10))

	if _, err := p.Chat(context.Background(), ModelRequest{}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, ModelRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(inner.requests) != 1 {
		t.Errorf("inner calls = %d, want 1", len(inner.requests))
	}
}

func TestRateLimitFailedCallRecordsNoTokens(t *testing.T) {
	inner := &mockProvider{
		errs:      []error{errors.New("boom")},
		responses: []ModelResponse{{}, textResponse("ok")},
	}
	p := WithRateLimit(inner, TPM(10))

	if _, err := p.Chat(context.Background(), ModelRequest{}); err == nil {
		t.Fatal("expected the inner error")
	}
	// The failure left the token window empty, so this must not block.
	if _, err := p.Chat(context.Background(), ModelRequest{}); err != nil {
		t.Fatalf("second request blocked after a failed first: %v", err)
	}
	if len(inner.requests) != 2 {
		t.Errorf("inner calls = %d, want 2", len(inner.requests))
	}
}

func TestRateLimitStreamClosesChannelWhenBlocked(t *testing.T) {
	inner := &mockProvider{responses: []ModelResponse{textResponse("a")}}
	p := WithRateLimit(inner, RPM(1))
	if _, err := p.Chat(context.Background(), ModelRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ch := make(chan StreamChunk, 8)
	_, err := p.ChatStream(ctx, ModelRequest{}, ch)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	for range ch { // terminates only if the wrapper closed ch
		t.Fatal("unexpected chunk after budget rejection")
	}
}

func TestRateLimitStreamPassesThrough(t *testing.T) {
	inner := &mockProvider{responses: []ModelResponse{textResponse("hello")}}
	p := WithRateLimit(inner, RPM(5), TPM(1000))

	ch := make(chan StreamChunk, 64)
	resp, err := p.ChatStream(context.Background(), ModelRequest{}, ch)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got := resp.Message.Text(); got != "hello" {
		t.Errorf("text = %q", got)
	}
	var text string
	for chunk := range ch {
		if chunk.Type == ChunkContentDelta {
			text += chunk.Delta
		}
	}
	if text != "hello" {
		t.Errorf("streamed text = %q", text)
	}
}

func TestPruneWindows(t *testing.T) {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	times := []time.Time{
		now.Add(-2 * time.Minute),
		now.Add(-90 * time.Second),
		now.Add(-30 * time.Second),
		now,
	}
	got := pruneTime(times, cutoff)
	if len(got) != 2 || !got[0].Equal(now.Add(-30*time.Second)) {
		t.Errorf("pruneTime kept %d entries: %v", len(got), got)
	}

	entries := []tpmEntry{
		{at: now.Add(-2 * time.Minute), tokens: 100},
		{at: now.Add(-10 * time.Second), tokens: 50},
	}
	gotE := pruneTpm(entries, cutoff)
	if len(gotE) != 1 || gotE[0].tokens != 50 {
		t.Errorf("pruneTpm = %+v", gotE)
	}
}
