package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/medsync/internal/logger"
)

var testKey = Key{Namespace: "medications", Scope: "user-1"}

func newTestCache() *Cache[int] {
	return New[int](Options{Logger: logger.Discard()})
}

// counter は呼び出し回数を数え、回数を値として返すFetchFunc。
type counter struct {
	calls atomic.Int32
}

func (c *counter) fetch(ctx context.Context) (int, error) {
	return int(c.calls.Add(1)), nil
}

func TestGet_AbsentFetchesThenServesFresh(t *testing.T) {
	c := newTestCache()
	var cnt counter
	ctx := context.Background()

	v, err := c.Get(ctx, testKey, cnt.fetch)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v != 1 {
		t.Errorf("first Get = %d, want 1", v)
	}

	v, err = c.Get(ctx, testKey, cnt.fetch)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v != 1 {
		t.Errorf("second Get = %d, want cached 1", v)
	}
	if n := cnt.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
	if c.IsStale(testKey) {
		t.Error("entry should be fresh")
	}
}

func TestGet_CoalescesConcurrentFetches(t *testing.T) {
	c := newTestCache()
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const readers = 10
	var wg sync.WaitGroup
	results := make([]int, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), testKey, fetch)
		}(i)
	}

	// すべての読み取りが実行中のフェッチに合流するまで待つ
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want exactly 1", n)
	}
	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Errorf("reader %d: error %v", i, errs[i])
		}
		if results[i] != 42 {
			t.Errorf("reader %d: got %d, want 42", i, results[i])
		}
	}
}

func TestGet_StaleServesCachedAndRefreshesInBackground(t *testing.T) {
	c := newTestCache()
	var cnt counter
	ctx := context.Background()

	if _, err := c.Get(ctx, testKey, cnt.fetch); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	c.Invalidate(testKey)

	v, err := c.Get(ctx, testKey, cnt.fetch)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v != 1 {
		t.Errorf("stale Get = %d, want cached 1", v)
	}

	c.Wait()
	if n := cnt.calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
	if got, _ := c.Peek(testKey); got != 2 {
		t.Errorf("Peek after refresh = %d, want 2", got)
	}
	if c.IsStale(testKey) {
		t.Error("entry should be fresh after refresh")
	}
}

func TestInvalidate_DuringFetchCausesExactlyOneMoreFetch(t *testing.T) {
	c := newTestCache()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (int, error) {
		n := calls.Add(1)
		if n == 1 {
			close(started)
			<-release
		}
		return int(n), nil
	}

	done := make(chan int)
	go func() {
		v, _ := c.Get(context.Background(), testKey, fetch)
		done <- v
	}()

	<-started
	c.Invalidate(testKey)
	close(release)
	if v := <-done; v != 1 {
		t.Errorf("in-flight Get = %d, want 1", v)
	}

	if !c.IsStale(testKey) {
		t.Fatal("entry invalidated during fetch should remain stale")
	}

	// 次の読み取りで1回だけ再取得される
	if _, err := c.Get(context.Background(), testKey, fetch); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	c.Wait()
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
	if c.IsStale(testKey) {
		t.Error("entry should be fresh after the follow-up fetch")
	}

	// 以降は再取得しない
	if _, err := c.Get(context.Background(), testKey, fetch); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	c.Wait()
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

func TestGet_FetchErrorRetainsValue(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	fetchErr := errors.New("boom")

	if _, err := c.Get(ctx, testKey, func(context.Context) (int, error) { return 7, nil }); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	c.Invalidate(testKey)

	v, err := c.Get(ctx, testKey, func(context.Context) (int, error) { return 0, fetchErr })
	if err != nil {
		t.Fatalf("stale Get should not surface background errors, got %v", err)
	}
	if v != 7 {
		t.Errorf("stale Get = %d, want 7", v)
	}
	c.Wait()

	if got, ok := c.Peek(testKey); !ok || got != 7 {
		t.Errorf("Peek = (%d, %v), want (7, true)", got, ok)
	}
	if !c.IsStale(testKey) {
		t.Error("failed refresh should leave the entry stale")
	}
	if !errors.Is(c.LastError(testKey), fetchErr) {
		t.Errorf("LastError = %v, want %v", c.LastError(testKey), fetchErr)
	}
}

func TestGet_BlockingFetchErrorReturned(t *testing.T) {
	c := newTestCache()
	fetchErr := errors.New("unreachable")

	_, err := c.Get(context.Background(), testKey, func(context.Context) (int, error) { return 0, fetchErr })
	if !errors.Is(err, fetchErr) {
		t.Fatalf("err = %v, want %v", err, fetchErr)
	}
	if _, ok := c.Peek(testKey); ok {
		t.Error("no value should be cached after a failed first fetch")
	}
}

func TestGet_CallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	c := newTestCache()
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		<-release
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 5, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, err := c.Get(ctx, testKey, fetch)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	other := make(chan int)
	go func() {
		v, _ := c.Get(context.Background(), testKey, fetch)
		other <- v
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	if v := <-other; v != 5 {
		t.Errorf("second caller got %d, want 5", v)
	}
}

func TestInvalidateNamespace_MarksOnlyThatNamespace(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	other := Key{Namespace: "profile", Scope: "user-1"}
	var cnt counter

	for _, k := range []Key{testKey, {Namespace: "medications", Scope: "user-2"}, other} {
		if _, err := c.Get(ctx, k, cnt.fetch); err != nil {
			t.Fatalf("Get(%v) returned error: %v", k, err)
		}
	}

	c.InvalidateNamespace("medications")

	if !c.IsStale(testKey) || !c.IsStale(Key{Namespace: "medications", Scope: "user-2"}) {
		t.Error("medications entries should be stale")
	}
	if c.IsStale(other) {
		t.Error("other namespace should stay fresh")
	}
	if _, ok := c.Peek(testKey); !ok {
		t.Error("invalidation must not evict the value")
	}
}

func TestSubscribe_NotifiedOnInvalidation(t *testing.T) {
	c := newTestCache()
	var cnt counter
	if _, err := c.Get(context.Background(), testKey, cnt.fetch); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	var got []Key
	cancel := c.Subscribe(func(k Key) { got = append(got, k) })

	c.Invalidate(testKey)
	cancel()
	c.Invalidate(testKey)

	if len(got) != 1 || got[0] != testKey {
		t.Errorf("notifications = %v, want [%v]", got, testKey)
	}
}

func TestForget_DropsScopeAndDiscardsInFlightResult(t *testing.T) {
	c := newTestCache()
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 9, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), testKey, fetch)
	}()
	<-started
	c.Forget(testKey.Scope)
	close(release)
	<-done

	if _, ok := c.Peek(testKey); ok {
		t.Error("result of a fetch for a forgotten scope must not be stored")
	}
}

func TestOnStore_CalledOnlyForStoredResults(t *testing.T) {
	c := newTestCache()
	var stored []int
	c.OnStore(func(k Key, v int) {
		if k != testKey {
			t.Errorf("key = %v, want %v", k, testKey)
		}
		stored = append(stored, v)
	})

	if _, err := c.Get(context.Background(), testKey, func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	c.Forget(testKey.Scope)
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), testKey, func(context.Context) (int, error) {
			close(started)
			<-release
			return 2, nil
		})
	}()
	<-started
	c.Forget(testKey.Scope)
	close(release)
	<-done

	if _, err := c.Get(context.Background(), testKey, func(context.Context) (int, error) { return 0, errors.New("boom") }); err == nil {
		t.Fatal("expected fetch error")
	}

	if len(stored) != 1 || stored[0] != 1 {
		t.Errorf("stored = %v, want [1]", stored)
	}
}
