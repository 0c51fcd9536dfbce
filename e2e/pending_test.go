package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/frameforge/api/internal/gateway"
)

// testRedis connects to the test database and skips the test when Redis
// is not running locally.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available on localhost:6379: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPendingStoreDropsOldestBeyondCap(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	store := gateway.NewRedisPendingStore(client, 100, time.Hour)
	userID := "pending-cap-" + uuid.NewString()

	for i := 0; i < 120; i++ {
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		if err := store.Append(ctx, userID, payload); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	entries, err := store.Drain(ctx, userID)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(entries) != 100 {
		t.Fatalf("expected 100 entries after trimming, got %d", len(entries))
	}

	// The 20 oldest were dropped; what survives is 20..119 in order.
	if got, want := string(entries[0]), `{"seq":20}`; got != want {
		t.Errorf("oldest surviving entry = %s, want %s", got, want)
	}
	if got, want := string(entries[99]), `{"seq":119}`; got != want {
		t.Errorf("newest surviving entry = %s, want %s", got, want)
	}
}

func TestPendingStoreDrainEmptiesList(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	store := gateway.NewRedisPendingStore(client, 100, time.Hour)
	userID := "pending-drain-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		if err := store.Append(ctx, userID, []byte(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	first, err := store.Drain(ctx, userID)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(first))
	}

	// Fetch-and-delete is atomic: a second drain sees nothing.
	second, err := store.Drain(ctx, userID)
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("expected empty list after drain, got %d entries", len(second))
	}
}
