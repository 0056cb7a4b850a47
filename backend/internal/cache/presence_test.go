package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func newTestPresence(t *testing.T) (PresenceCache, *redis.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return NewRedisPresence(rdb), rdb
}

func TestPresenceMemberLifecycle(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := fmt.Sprintf("presence-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(ctx, roomKey(docID), namesKey(docID)) })

	if err := p.AddMember(ctx, docID, "alice", "Alice", 10*time.Minute); err != nil {
		t.Fatalf("AddMember alice: %v", err)
	}
	if err := p.AddMember(ctx, docID, "bob", "Bob", 10*time.Minute); err != nil {
		t.Fatalf("AddMember bob: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2 entries", members)
	}
	names := map[string]string{}
	for _, m := range members {
		names[m.UserID] = m.Username
	}
	if names["alice"] != "Alice" || names["bob"] != "Bob" {
		t.Fatalf("names = %v, want alice/bob", names)
	}
}

func TestPresenceExpiredMembersCleaned(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := fmt.Sprintf("presence-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(ctx, roomKey(docID), namesKey(docID)) })

	// 负 TTL：expireAt 已经过去，查询时应被 lua 清理掉
	if err := p.AddMember(ctx, docID, "ghost", "Ghost", -time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, docID, "alice", "Alice", 10*time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "alice" {
		t.Fatalf("members = %v, want only alice", members)
	}
	// 过期成员的名字也要一并清掉
	exists, err := rdb.HExists(ctx, namesKey(docID), "ghost").Result()
	if err != nil {
		t.Fatalf("HExists: %v", err)
	}
	if exists {
		t.Fatalf("ghost name not cleaned from names hash")
	}
}

func TestPresenceCursorRoundTrip(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := fmt.Sprintf("presence-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(ctx, cursorKey(docID, "alice")) })

	want := []byte(`{"start":3,"end":7}`)
	if err := p.SetCursor(ctx, docID, "alice", want, time.Minute); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	got, err := p.GetCursor(ctx, docID, "alice")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("cursor = %s, want %s", got, want)
	}
}
