package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/logging"
	"github.com/any-hub/apkrelay/internal/validate"
)

// LockFileName 是存储目录的实例锁文件，清扫与清空都会跳过它。
const LockFileName = ".apkrelay.lock"

// ErrDirLocked 表示存储目录已被其他进程占用。
var ErrDirLocked = errors.New("storage directory is locked by another process")

// Entry 描述一个磁盘上的临时产物。
type Entry struct {
	CacheKey   string                  `json:"cache_key"`
	Key        artifact.Key            `json:"package"`
	Path       string                  `json:"path"`
	Source     artifact.ResolvedSource `json:"source"`
	SizeBytes  int64                   `json:"size_bytes"`
	CreatedAt  time.Time               `json:"created_at"`
	LastAccess time.Time               `json:"last_access"`
	ExpiresAt  time.Time               `json:"expires_at"`
}

// Hit 是 Fetch 的返回值。
type Hit struct {
	Entry    Entry
	CacheHit bool
}

// AcquireFunc 把产物写到 target，返回写入的字节数。失败时调用方负责删除 target。
type AcquireFunc func(ctx context.Context, target string) (int64, error)

// Options 配置临时缓存。
type Options struct {
	Dir           string
	GracePeriod   time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration
	Validator     validate.Validator
	Governor      *Governor
	Logger        *logrus.Logger
}

// Stats 是缓存状态快照。
type Stats struct {
	Entries          int   `json:"entries"`
	PendingDeletions int   `json:"pending_deletions"`
	ActiveLocks      int   `json:"active_locks"`
	InFlight         int64 `json:"in_flight"`
	Reserved         int   `json:"reserved"`
	Bytes            int64 `json:"bytes"`
}

// Ephemeral 是带滑动过期的磁盘缓存。所有 map 由 mu 保护；同一个包的检查与获取由 Governor 串行化。
type Ephemeral struct {
	dir       string
	opts      Options
	gov       *Governor
	validator validate.Validator
	logger    *logrus.Logger
	now       func() time.Time

	mu       sync.Mutex
	entries  map[string]*Entry
	reserved map[string]struct{}

	expiry   *ExpiryQueue
	dirLock  *flock.Flock
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewEphemeral 创建缓存目录并返回实例；需要 Start 之后才会执行定时删除与清扫。
func NewEphemeral(opts Options) (*Ephemeral, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Governor == nil {
		opts.Governor = NewGovernor(DefaultMaxConcurrent)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	e := &Ephemeral{
		dir:       abs,
		opts:      opts,
		gov:       opts.Governor,
		validator: opts.Validator,
		logger:    opts.Logger,
		now:       time.Now,
		entries:   make(map[string]*Entry),
		reserved:  make(map[string]struct{}),
		dirLock:   flock.New(filepath.Join(abs, LockFileName)),
	}
	e.expiry = NewExpiryQueue(e.expire)
	return e, nil
}

// Dir 返回缓存目录的绝对路径。
func (e *Ephemeral) Dir() string {
	return e.dir
}

// Governor 返回共享的并发控制器。
func (e *Ephemeral) Governor() *Governor {
	return e.gov
}

// Start 锁定存储目录，启动过期队列与清扫循环。
func (e *Ephemeral) Start(ctx context.Context) error {
	locked, err := e.dirLock.TryLock()
	if err != nil {
		return fmt.Errorf("lock storage path: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDirLocked, e.dir)
	}

	e.expiry.Start()
	loopCtx, cancel := context.WithCancel(ctx)
	e.stopLoop = cancel
	e.loopDone = make(chan struct{})
	go e.sweepLoop(loopCtx)
	return nil
}

// Stop 丢弃待执行的删除、停止清扫并释放目录锁。磁盘上的文件保留，由下一次启动的清扫处理。
func (e *Ephemeral) Stop() {
	e.expiry.Stop()
	if e.stopLoop != nil {
		e.stopLoop()
		<-e.loopDone
		e.stopLoop = nil
	}
	if err := e.dirLock.Unlock(); err != nil {
		e.logger.WithError(err).Warn("storage_unlock_failed")
	}
}

// CacheKey 由包名与下载地址派生，同一包换了下载地址即视为不同条目。
func CacheKey(key artifact.Key, downloadURL string) string {
	h := blake3.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(downloadURL))
	return string(key) + "_" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Fetch 返回 src 对应的本地文件：命中且仍然有效时续期并直接返回，否则在全局名额内调用 acquire。
// 整个检查与获取过程持有该包的锁，同一个包不会并发下载。
func (e *Ephemeral) Fetch(ctx context.Context, src artifact.ResolvedSource, acquire AcquireFunc) (Hit, error) {
	unlock, err := e.gov.Lock(ctx, string(src.Key))
	if err != nil {
		return Hit{}, err
	}
	defer unlock()

	ck := CacheKey(src.Key, src.DownloadURL)
	fields := logging.PackageFields("cache", string(src.Key), src.Variant.String(), false)

	if entry, ok := e.lookup(ck); ok {
		reason := e.validator.CheckFile(entry.Path)
		if reason == validate.ReasonOK {
			touched := e.touch(ck)
			fields["cache_hit"] = true
			e.logger.WithFields(fields).Debug("cache_hit")
			return Hit{Entry: touched, CacheHit: true}, nil
		}
		fields["reason"] = string(reason)
		e.logger.WithFields(fields).Warn("cache_entry_invalid")
		e.purge(ck)
	}

	release, err := e.gov.Acquire(ctx)
	if err != nil {
		if errors.Is(err, artifact.ErrBackpressure) {
			return Hit{}, artifact.NewFailure(artifact.KindBackpressure, src.Key, err)
		}
		return Hit{}, err
	}
	defer release()

	target := e.reserve(src)
	defer e.unreserve(target)

	if _, err := acquire(ctx, target); err != nil {
		_ = removeQuietly(target)
		return Hit{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return Hit{}, artifact.NewFailure(artifact.KindAcquisition, src.Key, fmt.Errorf("stat acquired file: %w", err))
	}

	now := e.now()
	entry := &Entry{
		CacheKey:   ck,
		Key:        src.Key,
		Path:       target,
		Source:     src,
		SizeBytes:  info.Size(),
		CreatedAt:  now,
		LastAccess: now,
		ExpiresAt:  now.Add(e.opts.GracePeriod),
	}
	e.mu.Lock()
	e.entries[ck] = entry
	e.mu.Unlock()
	e.expiry.Schedule(ck, entry.ExpiresAt)

	e.logger.WithFields(logging.WithSize(fields, entry.SizeBytes)).WithField("path", filepath.Base(target)).Info("cache_stored")
	return Hit{Entry: *entry}, nil
}

// Touch 把条目的删除时间推迟到 now+GracePeriod，返回条目是否存在。
func (e *Ephemeral) Touch(cacheKey string) bool {
	_, ok := e.lookup(cacheKey)
	if ok {
		e.touch(cacheKey)
	}
	return ok
}

func (e *Ephemeral) touch(ck string) Entry {
	now := e.now()
	e.mu.Lock()
	entry, ok := e.entries[ck]
	if !ok {
		e.mu.Unlock()
		return Entry{}
	}
	entry.LastAccess = now
	entry.ExpiresAt = now.Add(e.opts.GracePeriod)
	snapshot := *entry
	e.mu.Unlock()
	e.expiry.Schedule(ck, snapshot.ExpiresAt)
	return snapshot
}

// Lookup 返回条目副本。
func (e *Ephemeral) Lookup(cacheKey string) (Entry, bool) {
	return e.lookup(cacheKey)
}

func (e *Ephemeral) lookup(ck string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[ck]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// purge 先删文件再删条目，并取消待执行的删除。
func (e *Ephemeral) purge(ck string) {
	e.mu.Lock()
	entry, ok := e.entries[ck]
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := removeQuietly(entry.Path); err != nil {
		e.logger.WithError(err).WithField("path", entry.Path).Warn("cache_remove_failed")
	}
	e.mu.Lock()
	if current, ok := e.entries[ck]; ok && current == entry {
		delete(e.entries, ck)
	}
	e.mu.Unlock()
	e.expiry.Cancel(ck)
}

// expire 由过期队列调用：重新获取包锁后确认条目确实已经过期才删除。
func (e *Ephemeral) expire(ck string) {
	entry, ok := e.lookup(ck)
	if !ok {
		return
	}
	unlock, err := e.gov.Lock(context.Background(), string(entry.Key))
	if err != nil {
		return
	}
	defer unlock()

	current, ok := e.lookup(ck)
	if !ok {
		return
	}
	if e.now().Before(current.ExpiresAt) {
		// 等锁期间被续期，按新的时间重新排队
		e.expiry.Schedule(ck, current.ExpiresAt)
		return
	}
	e.purge(ck)
	e.logger.WithFields(logging.PackageFields("expire", string(current.Key), current.Source.Variant.String(), false)).
		WithField("idle", e.now().Sub(current.LastAccess).Round(time.Millisecond).String()).
		Info("cache_expired")
}

func (e *Ephemeral) reserve(src artifact.ResolvedSource) string {
	name := fmt.Sprintf("%s_%s_%d.%s", src.Key, uuid.NewString()[:8], e.now().Unix(), src.Variant.Suffix())
	target := filepath.Join(e.dir, name)
	e.mu.Lock()
	e.reserved[target] = struct{}{}
	e.mu.Unlock()
	return target
}

func (e *Ephemeral) unreserve(target string) {
	e.mu.Lock()
	delete(e.reserved, target)
	e.mu.Unlock()
}

// isReserved 判断文件是否属于进行中的获取，包括 .part、.aria2 与临时文件。
func (e *Ephemeral) isReserved(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for target := range e.reserved {
		if path == target || strings.HasPrefix(path, target+".") {
			return true
		}
	}
	return false
}

// Clear 取消所有待执行的删除，删除目录中的全部产物并清空条目，返回删除的文件数。
func (e *Ephemeral) Clear() int {
	e.expiry.CancelAll()
	e.mu.Lock()
	e.entries = make(map[string]*Entry)
	e.mu.Unlock()

	removed := 0
	files, err := os.ReadDir(e.dir)
	if err != nil {
		e.logger.WithError(err).Warn("cache_clear_failed")
		return 0
	}
	for _, f := range files {
		if f.IsDir() || f.Name() == LockFileName {
			continue
		}
		path := filepath.Join(e.dir, f.Name())
		if e.isReserved(path) {
			continue
		}
		if err := removeQuietly(path); err == nil {
			removed++
		}
	}
	e.logger.WithField("action", "cache_clear").WithField("removed", removed).Info("cache_cleared")
	return removed
}

// Snapshot 返回缓存状态。
func (e *Ephemeral) Snapshot() Stats {
	e.mu.Lock()
	stats := Stats{Entries: len(e.entries), Reserved: len(e.reserved)}
	for _, entry := range e.entries {
		stats.Bytes += entry.SizeBytes
	}
	e.mu.Unlock()
	stats.PendingDeletions = e.expiry.Len()
	stats.ActiveLocks = e.gov.ActiveLocks()
	stats.InFlight = e.gov.InFlight()
	return stats
}
