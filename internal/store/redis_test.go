package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mu         sync.Mutex
	values     map[string]string
	published  map[string][]string
	setErr     error
	publishErr error
	pingErr    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string), published: make(map[string][]string)}
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.values[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return redis.NewIntResult(0, f.publishErr)
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisMirror_Update(t *testing.T) {
	client := newFakeRedis()
	inner := NewMemoryStore()
	mirror := NewRedisMirror(client, "rt", inner, testLogger())

	rssi := -70
	mirror.Update(TargetStatus{Node: 3, Role: "secondary", Outcome: "success", Logged: true, TxPower: 5, RSSI: &rssi})

	if got := len(inner.GetAll()); got != 1 {
		t.Fatalf("inner GetAll() = %d items, want 1", got)
	}

	raw, ok := client.values["rt:node:3"]
	if !ok {
		t.Fatalf("key rt:node:3 not written, have %v", client.values)
	}
	var got TargetStatus
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got.Node != 3 || got.RSSI == nil || *got.RSSI != -70 {
		t.Errorf("mirrored status = %+v, want node 3 rssi -70", got)
	}

	if msgs := client.published["rt:updates"]; len(msgs) != 1 || msgs[0] != raw {
		t.Errorf("published = %v, want the stored JSON once", msgs)
	}
}

func TestRedisMirror_MirrorsLinkHealth(t *testing.T) {
	client := newFakeRedis()
	mirror := NewRedisMirror(client, "rt", NewMemoryStore(), testLogger())

	mirror.Update(TargetStatus{Node: 2, Outcome: "nack"})
	stored := mirror.Update(TargetStatus{Node: 2, Outcome: "timeout"})
	if stored.ConsecutiveFailures != 2 {
		t.Fatalf("Update() ConsecutiveFailures = %d, want 2", stored.ConsecutiveFailures)
	}

	var got TargetStatus
	if err := json.Unmarshal([]byte(client.values["rt:node:2"]), &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got.ConsecutiveFailures != 2 {
		t.Errorf("mirrored ConsecutiveFailures = %d, want 2", got.ConsecutiveFailures)
	}
}

func TestRedisMirror_DefaultPrefix(t *testing.T) {
	mirror := NewRedisMirror(newFakeRedis(), "", NewMemoryStore(), nil)
	if got := mirror.Key(2); got != "georange:node:2" {
		t.Errorf("Key(2) = %q, want georange:node:2", got)
	}
	if got := mirror.Channel(); got != "georange:updates" {
		t.Errorf("Channel() = %q, want georange:updates", got)
	}
}

func TestRedisMirror_FailuresDoNotAffectInner(t *testing.T) {
	client := newFakeRedis()
	client.setErr = errors.New("connection refused")
	inner := NewMemoryStore()
	mirror := NewRedisMirror(client, "rt", inner, testLogger())

	ch := mirror.Subscribe()
	defer mirror.Unsubscribe(ch)

	mirror.Update(TargetStatus{Node: 2, Outcome: "timeout"})

	if got := len(mirror.GetAll()); got != 1 {
		t.Errorf("GetAll() = %d items, want 1", got)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Error("subscriber did not receive update")
	}
	if len(client.published) != 0 {
		t.Errorf("published = %v, want nothing after a failed set", client.published)
	}
}

func TestRedisMirror_Ping(t *testing.T) {
	client := newFakeRedis()
	mirror := NewRedisMirror(client, "rt", NewMemoryStore(), testLogger())

	if err := mirror.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	client.pingErr = errors.New("down")
	if err := mirror.Ping(context.Background()); err == nil {
		t.Error("Ping() error = nil, want error")
	}
}
