package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/aria2"
	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/cascade"
	"github.com/any-hub/apkrelay/internal/logging"
)

// Daemon 是分段下载守护进程的能力，*aria2.Client 即为实现。
type Daemon interface {
	Submit(ctx context.Context, job aria2.Job) (string, error)
	Status(ctx context.Context, id string) (aria2.Status, error)
	Cancel(ctx context.Context, id string) error
}

// SegmentedStrategy 把下载交给守护进程并轮询进度，没有守护进程时跳过。
type SegmentedStrategy struct {
	Headers func() http.Header
	Timeout time.Duration
	Poll    time.Duration
	Logger  *logrus.Logger

	mu     sync.RWMutex
	daemon Daemon
}

// SetDaemon 注入或移除守护进程，可在运行期间调用。
func (s *SegmentedStrategy) SetDaemon(d Daemon) {
	s.mu.Lock()
	s.daemon = d
	s.mu.Unlock()
}

func (s *SegmentedStrategy) current() Daemon {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daemon
}

// Available 表示当前是否有可用的守护进程。
func (s *SegmentedStrategy) Available() bool {
	return s.current() != nil
}

func (s *SegmentedStrategy) Name() string {
	return "segmented"
}

func (s *SegmentedStrategy) Attempt(parent context.Context, job Job) (Result, error) {
	d := s.current()
	if d == nil {
		return Result{}, cascade.ErrSkip
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	poll := s.Poll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	var header http.Header
	if s.Headers != nil {
		header = s.Headers()
	}
	gid, err := d.Submit(ctx, aria2.Job{
		URL:    job.Source.DownloadURL,
		Dir:    filepath.Dir(job.TargetPath),
		Out:    filepath.Base(job.TargetPath),
		Header: header,
	})
	if err != nil {
		return Result{}, deadlineError(parent, err, s.Name())
	}

	fields := logging.StrategyFields(string(job.Key), s.Name(), 1)
	fields["gid"] = gid
	lastDecile := -1
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abort(d, gid, job.TargetPath)
			return Result{}, deadlineError(parent, ctx.Err(), s.Name())
		case <-ticker.C:
		}

		st, err := d.Status(ctx, gid)
		if err != nil {
			s.abort(d, gid, job.TargetPath)
			return Result{}, deadlineError(parent, err, s.Name())
		}
		switch st.State {
		case aria2.StateComplete:
			info, err := os.Stat(job.TargetPath)
			if err != nil {
				return Result{}, fmt.Errorf("%w: daemon reported complete but %v", artifact.ErrAcquisition, err)
			}
			_ = os.Remove(job.TargetPath + ".aria2")
			return Result{Path: job.TargetPath, SizeBytes: info.Size()}, nil
		case aria2.StateError, aria2.StateRemoved:
			s.cleanup(job.TargetPath)
			return Result{}, fmt.Errorf("%w: daemon job %s: %s", artifact.ErrAcquisition, st.State, st.Message)
		}

		if decile := int(st.Progress() * 10); decile > lastDecile {
			lastDecile = decile
			s.logger().WithFields(logging.WithSize(fields, st.Completed)).
				WithField("progress", decile*10).
				Info("segmented_progress")
		}
	}
}

// abort 强制移除任务并删除半成品与控制文件。父 context 已结束，所以这里使用独立 context。
func (s *SegmentedStrategy) abort(d Daemon, gid, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Cancel(ctx, gid); err != nil && !errors.Is(err, context.Canceled) {
		s.logger().WithError(err).WithField("gid", gid).Warn("segmented_cancel_failed")
	}
	s.cleanup(target)
}

func (s *SegmentedStrategy) cleanup(target string) {
	_ = os.Remove(target)
	_ = os.Remove(target + ".aria2")
}

func (s *SegmentedStrategy) logger() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
