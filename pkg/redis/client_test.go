package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestFixedWindowAllow(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	allowed, count, err := client.FixedWindowAllow(ctx, "test-scope", 2, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed on first request")
	}
	if count != 1 {
		t.Fatalf("expected counter 1 got %d", count)
	}
	if len(mock.expireCalls) != 1 {
		t.Fatalf("expected expire for first increment")
	}

	allowed, count, err = client.FixedWindowAllow(ctx, "test-scope", 2, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed || count != 2 {
		t.Fatalf("unexpected second call state allowed=%v count=%d", allowed, count)
	}
	if len(mock.expireCalls) != 1 {
		t.Fatalf("expire should not be set again")
	}

	allowed, _, err = client.FixedWindowAllow(ctx, "test-scope", 2, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected limit reached")
	}
}

func TestFixedWindowReappliesMissingTTL(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	key := client.RateLimitKey("analyze-start:account:a1")

	// counter exists from a previous hit whose EXPIRE never landed
	mock.incr[key] = 5

	allowed, count, err := client.FixedWindowAllow(ctx, "analyze-start:account:a1", 10, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed || count != 6 {
		t.Fatalf("unexpected state allowed=%v count=%d", allowed, count)
	}
	if mock.ttl[key] != time.Minute {
		t.Fatalf("expected ttl to be applied to orphaned counter, got %v", mock.ttl[key])
	}
}

func TestNilStoreErrors(t *testing.T) {
	client := &Client{}
	if _, _, err := client.FixedWindowAllow(context.Background(), "s", 1, time.Second); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized, got %v", err)
	}
	if err := client.Ping(context.Background()); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized, got %v", err)
	}
}

func TestIdempotencyRoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	key := client.IdempotencyKey("creem", "evt_1")
	first, err := client.SetNX(ctx, key, "1", time.Hour)
	if err != nil || !first {
		t.Fatalf("expected first SetNX to win, got %v %v", first, err)
	}
	second, err := client.SetNX(ctx, key, "1", time.Hour)
	if err != nil || second {
		t.Fatalf("expected second SetNX to lose, got %v %v", second, err)
	}

	if err := client.Del(ctx, key); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := client.Get(ctx, key); err != redis.Nil {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	stream := client.StreamKey("analyze-dispatch")
	if err := client.EnsureGroup(ctx, stream, "workers"); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}
	if err := client.EnsureGroup(ctx, stream, "workers"); err != nil {
		t.Fatalf("existing group should not error: %v", err)
	}

	id, err := client.XAdd(ctx, stream, 0, map[string]any{"job_id": "abc"})
	if err != nil {
		t.Fatalf("xadd failed: %v", err)
	}

	msgs, err := client.XReadGroup(ctx, stream, "workers", "w1", 10, time.Second)
	if err != nil {
		t.Fatalf("xreadgroup failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Values["job_id"] != "abc" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	msgs, err = client.XReadGroup(ctx, stream, "workers", "w1", 10, time.Second)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty read on timeout, got %+v %v", msgs, err)
	}

	if err := client.XAck(ctx, stream, "workers", id); err != nil {
		t.Fatalf("xack failed: %v", err)
	}
	if len(mock.acked) != 1 || mock.acked[0] != id {
		t.Fatalf("expected ack for %s, got %v", id, mock.acked)
	}
}

func TestCompareAndDeleteChecksOwner(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	key := client.LockKey("cron")
	mock.data[key] = "owner-a"

	ok, err := client.CompareAndDelete(ctx, key, "owner-b")
	if err != nil || ok {
		t.Fatalf("foreign owner must not delete, got %v %v", ok, err)
	}
	if _, present := mock.data[key]; !present {
		t.Fatal("lock deleted by foreign owner")
	}

	ok, err = client.CompareAndDelete(ctx, key, "owner-a")
	if err != nil || !ok {
		t.Fatalf("owner should delete, got %v %v", ok, err)
	}
	if _, present := mock.data[key]; present {
		t.Fatal("lock still present after owner delete")
	}
}

func TestCompareAndExpireChecksOwner(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	key := client.LockKey("cron")
	mock.data[key] = "owner-a"

	if ok, _ := client.CompareAndExpire(ctx, key, "owner-b", time.Minute); ok {
		t.Fatal("foreign owner must not extend")
	}
	ok, err := client.CompareAndExpire(ctx, key, "owner-a", 90*time.Second)
	if err != nil || !ok {
		t.Fatalf("owner should extend, got %v %v", ok, err)
	}
	if mock.ttl[key] != 90*time.Second {
		t.Fatalf("expected 90s ttl, got %v", mock.ttl[key])
	}
}

func TestStreamTrimAndAutoClaim(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	stream := client.StreamKey("analyze-dispatch")

	first, err := client.XAdd(ctx, stream, 5000, map[string]any{"job_id": "a"})
	if err != nil {
		t.Fatalf("xadd failed: %v", err)
	}
	if mock.lastAdd.MaxLen != 5000 || !mock.lastAdd.Approx {
		t.Fatalf("expected approximate MAXLEN 5000, got %+v", mock.lastAdd)
	}
	if _, err := client.XAdd(ctx, stream, 5000, map[string]any{"job_id": "b"}); err != nil {
		t.Fatalf("xadd failed: %v", err)
	}
	if _, err := client.XReadGroup(ctx, stream, "workers", "w1", 10, time.Second); err != nil {
		t.Fatalf("xreadgroup failed: %v", err)
	}
	if err := client.XAck(ctx, stream, "workers", first); err != nil {
		t.Fatalf("xack failed: %v", err)
	}

	claimed, err := client.XAutoClaim(ctx, stream, "workers", "w2", 10*time.Minute, 1)
	if err != nil {
		t.Fatalf("xautoclaim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Values["job_id"] != "b" {
		t.Fatalf("expected the unacked entry to be claimed, got %+v", claimed)
	}
	if mock.lastClaim.Consumer != "w2" || mock.lastClaim.MinIdle != 10*time.Minute || mock.lastClaim.Start != "0-0" {
		t.Fatalf("unexpected claim args %+v", mock.lastClaim)
	}

	if _, err := client.XAdd(ctx, stream, 0, map[string]any{"job_id": "c"}); err != nil {
		t.Fatalf("xadd failed: %v", err)
	}
	if mock.lastAdd.MaxLen != 0 || mock.lastAdd.Approx {
		t.Fatalf("expected untrimmed add without a cap, got %+v", mock.lastAdd)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.IdempotencyKey("scope", "id"); got != "bs:idempotency:scope:id" {
		t.Fatalf("unexpected idempotency key %s", got)
	}
	if got := client.RateLimitKey("scope"); got != "bs:rate_limit:scope" {
		t.Fatalf("unexpected rate limit key %s", got)
	}
	if got := client.LockKey("cron"); got != "bs:lock:cron" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := client.buildKey("stream", "", "x"); got != "bs:stream:x" {
		t.Fatalf("empty parts should be skipped, got %s", got)
	}
}

type mockCmdable struct {
	data        map[string]string
	incr        map[string]int64
	ttl         map[string]time.Duration
	expireCalls []expireCall
	groups      map[string]bool
	entries     []redis.XMessage
	delivered   int
	acked       []string
	lastAdd     *redis.XAddArgs
	lastClaim   *redis.XAutoClaimArgs
}

type expireCall struct {
	key string
	ttl time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data:   make(map[string]string),
		incr:   make(map[string]int64),
		ttl:    make(map[string]time.Duration),
		groups: make(map[string]bool),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Incr(ctx context.Context, key string) *redis.IntCmd {
	m.incr[key]++
	return redis.NewIntResult(m.incr[key], nil)
}

func (m *mockCmdable) ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if m.ttl[key] > 0 {
		return redis.NewBoolResult(false, nil)
	}
	m.ttl[key] = expiration
	m.expireCalls = append(m.expireCalls, expireCall{key: key, ttl: expiration})
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

// Eval emulates the two lock scripts by comparing the stored owner.
func (m *mockCmdable) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	key, owner := keys[0], fmt.Sprint(args[0])
	if m.data[key] != owner {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case compareAndDeleteScript:
		delete(m.data, key)
	case compareAndExpireScript:
		m.ttl[key] = time.Duration(args[1].(int64)) * time.Millisecond
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (m *mockCmdable) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	m.lastAdd = args
	id := fmt.Sprintf("%d-0", len(m.entries)+1)
	values, _ := args.Values.(map[string]any)
	m.entries = append(m.entries, redis.XMessage{ID: id, Values: values})
	return redis.NewStringResult(id, nil)
}

func (m *mockCmdable) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	if m.groups[stream+"/"+group] {
		return redis.NewStatusResult("", fmt.Errorf("BUSYGROUP Consumer Group name already exists"))
	}
	m.groups[stream+"/"+group] = true
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	if m.delivered >= len(m.entries) {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	msgs := m.entries[m.delivered:]
	m.delivered = len(m.entries)
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: args.Streams[0], Messages: msgs}}, nil)
}

func (m *mockCmdable) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	m.acked = append(m.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

// XAutoClaim treats every delivered, unacked entry as idle.
func (m *mockCmdable) XAutoClaim(ctx context.Context, args *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	m.lastClaim = args
	acked := map[string]bool{}
	for _, id := range m.acked {
		acked[id] = true
	}
	var claimed []redis.XMessage
	for _, msg := range m.entries[:m.delivered] {
		if !acked[msg.ID] && int64(len(claimed)) < args.Count {
			claimed = append(claimed, msg)
		}
	}
	cmd := redis.NewXAutoClaimCmd(ctx)
	cmd.SetVal(claimed, "0-0")
	return cmd
}
