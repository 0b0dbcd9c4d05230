// Package acquire downloads a resolved source to disk. Strategies run in a
// fixed order (segmented daemon, browser impersonation, plain streaming) and
// every reported success is validated again before it counts.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/cascade"
	"github.com/any-hub/apkrelay/internal/logging"
	"github.com/any-hub/apkrelay/internal/validate"
)

// Job 描述一次获取：把 Source 下载到 TargetPath。
type Job struct {
	Key        artifact.Key
	Source     artifact.ResolvedSource
	TargetPath string
}

// Result 是成功获取的文件。
type Result struct {
	Path      string
	SizeBytes int64
	Strategy  string
}

// Strategy 是一种获取方式。
type Strategy = cascade.Step[Job, Result]

// StrategyStats 统计单个策略的尝试结果。
type StrategyStats struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Skipped   int64 `json:"skipped"`
}

// Orchestrator 按顺序执行策略，第一个通过校验的结果胜出。
type Orchestrator struct {
	strategies []Strategy
	validator  validate.Validator
	logger     *logrus.Logger

	mu    sync.Mutex
	stats map[string]*StrategyStats
}

// New 构造 Orchestrator，strategies 的顺序即执行顺序。
func New(validator validate.Validator, logger *logrus.Logger, strategies ...Strategy) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	o := &Orchestrator{
		validator: validator,
		logger:    logger,
		stats:     make(map[string]*StrategyStats),
	}
	for _, s := range strategies {
		o.strategies = append(o.strategies, validated{inner: s, validator: validator})
		o.stats[s.Name()] = &StrategyStats{}
	}
	return o
}

// Acquire 依次尝试各策略。全部失败时返回 KindAcquisition 的 Failure，其中合并了每个策略的错误。
func (o *Orchestrator) Acquire(ctx context.Context, job Job) (Result, error) {
	if job.Key == "" {
		job.Key = job.Source.Key
	}
	res, name, err := cascade.Run(ctx, job, o.strategies, o.observer(job))
	if err == nil {
		o.logger.WithFields(logging.WithSize(logging.StrategyFields(string(job.Key), name, 0), res.SizeBytes)).
			Info("acquire_complete")
		return res, nil
	}

	_ = os.Remove(job.TargetPath)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Result{}, artifact.NewFailure(artifact.KindTimeout, job.Key, ctxErr)
		}
		return Result{}, ctxErr
	}
	o.logger.WithFields(logging.PackageFields("acquire", string(job.Key), job.Source.Variant.String(), false)).
		WithError(err).Error("acquire_exhausted")
	return Result{}, artifact.NewFailure(artifact.KindAcquisition, job.Key, err)
}

func (o *Orchestrator) observer(job Job) cascade.Observer {
	return func(out cascade.Outcome) {
		o.record(out)
		fields := logging.StrategyFields(string(job.Key), out.Step, out.Index+1)
		switch {
		case out.Skipped:
			o.logger.WithFields(fields).Debug("strategy_skipped")
		case out.Err != nil:
			o.logger.WithFields(fields).WithError(out.Err).Warn("strategy_failed")
		default:
			o.logger.WithFields(fields).Debug("strategy_succeeded")
		}
	}
}

func (o *Orchestrator) record(out cascade.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stats[out.Step]
	if st == nil {
		st = &StrategyStats{}
		o.stats[out.Step] = st
	}
	switch {
	case out.Skipped:
		st.Skipped++
	case out.Err != nil:
		st.Attempts++
		st.Failures++
	default:
		st.Attempts++
		st.Successes++
	}
}

// Stats 返回各策略统计的副本。
func (o *Orchestrator) Stats() map[string]StrategyStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]StrategyStats, len(o.stats))
	for name, st := range o.stats {
		out[name] = *st
	}
	return out
}

// Names 返回策略执行顺序。
func (o *Orchestrator) Names() []string {
	names := make([]string, 0, len(o.strategies))
	for _, s := range o.strategies {
		names = append(names, s.Name())
	}
	return names
}

// validated 在策略报告成功后重新校验文件，不合格的文件被删除并视为失败；失败时也清理残留。
type validated struct {
	inner     Strategy
	validator validate.Validator
}

func (v validated) Name() string {
	return v.inner.Name()
}

func (v validated) Attempt(ctx context.Context, job Job) (Result, error) {
	res, err := v.inner.Attempt(ctx, job)
	if err != nil {
		if !errors.Is(err, cascade.ErrSkip) {
			_ = os.Remove(job.TargetPath)
		}
		return Result{}, err
	}
	if res.Path == "" {
		res.Path = job.TargetPath
	}
	if reason := v.validator.CheckFile(res.Path); reason != validate.ReasonOK {
		_ = os.Remove(res.Path)
		return Result{}, fmt.Errorf("%w: %s produced %s", artifact.ErrVerification, v.inner.Name(), reason)
	}
	if res.SizeBytes == 0 {
		if info, err := os.Stat(res.Path); err == nil {
			res.SizeBytes = info.Size()
		}
	}
	res.Strategy = v.inner.Name()
	return res, nil
}

// deadlineError 把策略自身的超时转换为 ErrTimeout；父 context 的取消原样返回。
func deadlineError(parent context.Context, err error, strategy string) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", artifact.ErrTimeout, strategy, err)
	}
	return err
}
