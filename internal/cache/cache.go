// Package cache はキー単位でフェッチを合流させる、無効化駆動のキャッシュを提供する。
//
// エントリは無効化されても削除されず、古い値を保持したまま stale になる。
// stale なエントリの読み取りは保持している値を即座に返し、バックグラウンドで再取得する。
// 同じキーに対して同時に実行されるフェッチは常に1つまで。
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/medsync/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Key はキャッシュエントリを識別する。Scopeにはセッションの利用者IDを入れる。
type Key struct {
	Namespace string
	Scope     string
}

// NamespaceMedications はセッション利用者の薬一覧のキャッシュ名前空間。
const NamespaceMedications = "medications"

// MedicationsKey は利用者userIDの薬一覧のキーを返す。
func MedicationsKey(userID string) Key {
	return Key{Namespace: NamespaceMedications, Scope: userID}
}

// String はsingleflightのキーとして使う文字列表現を返す。
func (k Key) String() string {
	return k.Namespace + "/" + k.Scope
}

// FetchFunc はキーの値を取得する関数。
type FetchFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value    V
	hasValue bool
	stale    bool
	gen      uint64
	lastErr  error
}

// Options はCacheの設定。
type Options struct {
	// FetchTimeout は1回のフェッチの上限時間。0以下の場合は上限なし。
	FetchTimeout time.Duration
	Recorder     metrics.Recorder
	Logger       *slog.Logger
}

// Cache は値の型Vごとのキャッシュ。
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[Key]*entry[V]
	group   singleflight.Group

	subMu   sync.Mutex
	subs    map[int]func(Key)
	nextSub int

	// onStore は値の保存時にmuを保持したまま呼ばれる。
	onStore func(Key, V)

	refreshes    sync.WaitGroup
	fetchTimeout time.Duration
	recorder     metrics.Recorder
	logger       *slog.Logger
}

// New はCacheを生成する。
func New[V any](opts Options) *Cache[V] {
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[V]{
		entries:      make(map[Key]*entry[V]),
		subs:         make(map[int]func(Key)),
		fetchTimeout: opts.FetchTimeout,
		recorder:     rec,
		logger:       logger,
	}
}

// Get はキーの値を返す。
//
//   - エントリがない場合はフェッチの完了まで待つ。
//   - 新しい値がある場合はフェッチせずに返す。
//   - stale な値がある場合はその値を即座に返し、バックグラウンドで再取得する。
//
// 同じキーのフェッチが実行中であれば新たに開始せず、その結果を共有する。
// フェッチの失敗は待っている呼び出し元にのみ返し、保持している値は維持する。
func (c *Cache[V]) Get(ctx context.Context, key Key, fetch FetchFunc[V]) (V, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.hasValue {
		v, stale := e.value, e.stale
		c.mu.Unlock()
		c.recorder.RecordCacheHit(key.Namespace)
		if stale {
			c.refresh(key, fetch)
		}
		return v, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.run(ctx, key, fetch)
	})
	select {
	case r := <-ch:
		if r.Shared {
			c.recorder.RecordCacheCoalesced(key.Namespace)
		}
		if r.Err != nil {
			var zero V
			return zero, r.Err
		}
		v, _ := r.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// refresh はstaleなエントリのバックグラウンド再取得を開始する。
func (c *Cache[V]) refresh(key Key, fetch FetchFunc[V]) {
	c.refreshes.Add(1)
	go func() {
		defer c.refreshes.Done()
		_, err, _ := c.group.Do(key.String(), func() (any, error) {
			return c.run(context.Background(), key, fetch)
		})
		if err != nil {
			c.logger.Warn("background refresh failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// run は実際のフェッチを行い、結果をエントリに保存する。singleflightの中でのみ呼ばれる。
// フェッチ中に無効化された場合、結果は保存するがエントリはstaleのまま残す。
func (c *Cache[V]) run(ctx context.Context, key Key, fetch FetchFunc[V]) (V, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry[V]{}
		c.entries[key] = e
	}
	gen := e.gen
	c.mu.Unlock()

	// 呼び出し元のキャンセルで共有中のフェッチを中断しない
	fctx := context.WithoutCancel(ctx)
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, c.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	v, err := fetch(fctx)
	c.recorder.RecordCacheFetch(key.Namespace, time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[key]; !ok || cur != e {
		// フェッチ中にForgetされたエントリには保存しない
		return v, err
	}
	if err != nil {
		c.recorder.RecordCacheFetchError(key.Namespace)
		e.stale = true
		e.lastErr = err
		return v, err
	}
	e.value = v
	e.hasValue = true
	e.lastErr = nil
	e.stale = e.gen != gen
	if c.onStore != nil {
		c.onStore(key, v)
	}
	return v, nil
}

// OnStore はフェッチ結果がエントリに保存されるたびに呼ばれる関数を設定する。
// Forgetされたエントリのフェッチ結果では呼ばれない。
// fnはキャッシュのロックを保持したまま呼ばれるため、Cacheのメソッドを呼んではならない。
func (c *Cache[V]) OnStore(fn func(Key, V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStore = fn
}

// Peek はフェッチせずに保持している値を返す。
func (c *Cache[V]) Peek(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		var zero V
		return zero, false
	}
	return e.value, true
}

// IsStale はエントリがstaleかどうかを返す。エントリがない場合はtrue。
func (c *Cache[V]) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return !ok || !e.hasValue || e.stale
}

// LastError は直近のフェッチ失敗を返す。成功後はnil。
func (c *Cache[V]) LastError(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.lastErr
	}
	return nil
}

// Invalidate はエントリをstaleにする。値は削除しない。
// フェッチ中のエントリに対しては世代を進め、そのフェッチ結果が新しい値として扱われないようにする。
func (c *Cache[V]) Invalidate(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.stale = true
		e.gen++
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.recorder.RecordCacheInvalidation(key.Namespace)
	c.notify(key)
}

// InvalidateNamespace は名前空間に属するすべてのエントリをstaleにする。
func (c *Cache[V]) InvalidateNamespace(namespace string) {
	var keys []Key
	c.mu.Lock()
	for k, e := range c.entries {
		if k.Namespace != namespace {
			continue
		}
		e.stale = true
		e.gen++
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.recorder.RecordCacheInvalidation(k.Namespace)
		c.notify(k)
	}
}

// Forget はスコープに属するすべてのエントリを削除する。ログアウト時に使用する。
// 実行中のフェッチの結果は保存されない。
func (c *Cache[V]) Forget(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Scope == scope {
			delete(c.entries, k)
			c.group.Forget(k.String())
		}
	}
}

// Subscribe は無効化の通知を受け取る関数を登録し、登録解除の関数を返す。
// 通知は無効化を行ったgoroutineから同期的に呼ばれるため、fnはブロックしてはならない。
func (c *Cache[V]) Subscribe(fn func(Key)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Cache[V]) notify(key Key) {
	c.subMu.Lock()
	fns := make([]func(Key), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}

// Wait は実行中のバックグラウンド再取得の完了を待つ。
func (c *Cache[V]) Wait() {
	c.refreshes.Wait()
}
