package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisQueueRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	queue, err := NewRedisQueue(client, RedisQueueConfig{Queue: "test:reconcile", BlockWait: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	defer queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"r1", "r2", "r3"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	var (
		mu       sync.Mutex
		seen     = map[string]int{}
		failOnce = true
	)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			seen[id]++
			if id == "r2" && failOnce {
				failOnce = false
				return errors.New("retry me")
			}
			return nil
		})
	}()

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		complete := seen["r1"] == 1 && seen["r2"] == 2 && seen["r3"] == 1
		mu.Unlock()
		if complete {
			break
		}
		select {
		case <-deadline:
			mu.Lock()
			snapshot := fmt.Sprint(seen)
			mu.Unlock()
			t.Fatalf("queue did not deliver as expected: %s", snapshot)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected consume result %v", err)
	}
}
