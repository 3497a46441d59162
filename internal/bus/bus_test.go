package bus

import (
	"context"
	"testing"
	"time"
)

func TestKeyBuilders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got  string
		want string
	}{
		{PriceKey("AAPL"), "price:AAPL"},
		{QuoteKey("MSFT"), "quote:MSFT"},
		{AccountPositionsKey("acct-1"), "account_positions:acct-1"},
		{LastPortfolioKey("acct-1"), "last_portfolio:acct-1"},
		{LeaderKey("symbol-collector"), "symbol-collector:leader"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestMemoryGetSetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if _, ok, err := m.Get(ctx, "absent"); err != nil || ok {
		t.Fatalf("Get(absent) = ok=%v err=%v, want miss with nil error", ok, err)
	}

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("Get(k) = %q ok=%v err=%v, want v", val, ok, err)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("Get(k) after delete = hit, want miss")
	}
}

func TestMemoryTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "k", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("Get(k) before expiry = miss, want hit")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("Get(k) after expiry = hit, want miss")
	}
}

func TestMemorySetNX(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.SetNX(ctx, "lease", "instance-1", 0)
	if err != nil || !ok {
		t.Fatalf("SetNX first = %v err=%v, want true", ok, err)
	}
	ok, err = m.SetNX(ctx, "lease", "instance-2", 0)
	if err != nil || ok {
		t.Fatalf("SetNX while held = %v err=%v, want false", ok, err)
	}
	// The holder's value is untouched by the failed attempt.
	val, _, _ := m.Get(ctx, "lease")
	if val != "instance-1" {
		t.Errorf("lease value = %q, want instance-1", val)
	}

	if err := m.Delete(ctx, "lease"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, _ = m.SetNX(ctx, "lease", "instance-2", 0)
	if !ok {
		t.Error("SetNX after release = false, want true")
	}
}

func TestMemorySetNXAfterExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if ok, _ := m.SetNX(ctx, "lease", "instance-1", 20*time.Millisecond); !ok {
		t.Fatal("SetNX = false, want true")
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _ := m.SetNX(ctx, "lease", "instance-2", 0); !ok {
		t.Error("SetNX after lease expiry = false, want true")
	}
}

func TestMemoryExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if ok, _ := m.Expire(ctx, "absent", time.Second); ok {
		t.Error("Expire(absent) = true, want false")
	}

	_ = m.Set(ctx, "k", "v", 20*time.Millisecond)
	if ok, _ := m.Expire(ctx, "k", time.Second); !ok {
		t.Fatal("Expire(k) = false, want true")
	}
	// The extension outlives the original TTL.
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Error("Get(k) after extension = miss, want hit")
	}
}

func TestMemoryPubSub(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	sub1, err := m.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub2, err := m.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	type payload struct {
		Symbol string `json:"symbol"`
	}
	if err := m.Publish(ctx, "events", payload{Symbol: "AAPL"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg) != `{"symbol":"AAPL"}` {
				t.Errorf("subscriber %d got %s", i+1, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i+1)
		}
	}

	// Closed subscribers stop receiving; the publisher is unaffected.
	if err := sub1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Publish(ctx, "events", payload{Symbol: "MSFT"}); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	select {
	case msg := <-sub2.Messages():
		if string(msg) != `{"symbol":"MSFT"}` {
			t.Errorf("subscriber 2 got %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 timed out")
	}
}

func TestMemoryPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Far more messages than the subscriber buffer; extras are dropped.
	for i := 0; i < 500; i++ {
		if err := m.Publish(ctx, "events", i); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	type snapshot struct {
		AccountID string  `json:"account_id"`
		Value     float64 `json:"value"`
	}

	in := snapshot{AccountID: "acct-1", Value: 1234.5}
	if err := SetJSON(ctx, m, "snap", in, 0); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var out snapshot
	ok, err := GetJSON(ctx, m, "snap", &out)
	if err != nil || !ok {
		t.Fatalf("GetJSON = ok=%v err=%v", ok, err)
	}
	if out != in {
		t.Errorf("GetJSON round trip = %+v, want %+v", out, in)
	}

	ok, err = GetJSON(ctx, m, "absent", &out)
	if err != nil || ok {
		t.Errorf("GetJSON(absent) = ok=%v err=%v, want miss with nil error", ok, err)
	}
}

func TestMemoryClosedOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	_ = m.Close()

	if err := m.Set(ctx, "k", "v", 0); err == nil {
		t.Error("Set after Close = nil error, want ErrClosed")
	}
	if _, err := m.Subscribe(ctx, "events"); err == nil {
		t.Error("Subscribe after Close = nil error, want ErrClosed")
	}
	if err := m.Ping(ctx); err == nil {
		t.Error("Ping after Close = nil error, want ErrClosed")
	}
}
