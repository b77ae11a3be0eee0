package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "listing-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInside)
	}
	if km.size() != 0 {
		t.Errorf("expected entries to be cleaned up, got %d", km.size())
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlockA, _ := km.Lock(context.Background(), "a")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := km.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock b should not block on a: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, _ := km.Lock(context.Background(), "a")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "a"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestKeyedMutex_UnlockTwiceIsSafe(t *testing.T) {
	km := NewKeyedMutex()
	unlock, _ := km.Lock(context.Background(), "a")
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := km.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	rl := NewRedisLocker(rdb, "test_lock:", 2*time.Second, 100*time.Millisecond)
	key := t.Name() + time.Now().String()

	unlock, err := rl.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := rl.Lock(context.Background(), key); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired while held, got %v", err)
	}
	unlock()

	again, err := rl.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}
