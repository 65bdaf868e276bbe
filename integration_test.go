package authx

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRedisRevocationIntegration(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("RUN_INTEGRATION_TESTS not set to true")
	}

	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		t.Fatal("REDIS_URL environment variable required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := OpenRedisRevocationList(ctx, RedisConfig{
		URL:       redisURL,
		KeyPrefix: "authx:test:" + time.Now().Format("150405.000") + ":",
	})
	if err != nil {
		t.Fatalf("OpenRedisRevocationList: %v", err)
	}
	t.Cleanup(func() { _ = list.Close() })

	svc := newTestService(t, WithRevocationList(list))
	token, err := svc.IssueFor("user-42", map[string]any{"role": "citizen"}, 2*time.Second)
	if err != nil {
		t.Fatalf("IssueFor: %v", err)
	}
	if _, err := svc.Validate(ctx, token.Value); err != nil {
		t.Fatalf("Validate before revoke: %v", err)
	}
	if err := svc.Revoke(ctx, token.Value); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, err = svc.Validate(ctx, token.Value)
	expectCode(t, err, ErrCodeRevoked)

	time.Sleep(3 * time.Second)
	revoked, err := list.IsRevoked(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("redis entry should expire with the token")
	}
}

func TestOpenRedisRevocationList_BadURL(t *testing.T) {
	if _, err := OpenRedisRevocationList(context.Background(), RedisConfig{URL: "://not-a-url"}); err == nil {
		t.Fatal("expected error")
	}
}
