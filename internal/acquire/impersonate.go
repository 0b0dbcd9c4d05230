package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/cache"
	"github.com/any-hub/apkrelay/internal/cascade"
	"github.com/any-hub/apkrelay/internal/logging"
	"github.com/any-hub/apkrelay/internal/transport"
	"github.com/any-hub/apkrelay/internal/validate"
)

// ImpersonationStrategy 依次使用各浏览器指纹完整下载一次，第一个通过校验的结果胜出。
// 正文先写入 <target>.part，校验通过后再改名。
type ImpersonationStrategy struct {
	Clients   []transport.Client
	Headers   func() http.Header
	Timeout   time.Duration
	Validator validate.Validator
	Logger    *logrus.Logger
}

func (s *ImpersonationStrategy) Name() string {
	return "impersonation"
}

func (s *ImpersonationStrategy) Attempt(ctx context.Context, job Job) (Result, error) {
	if len(s.Clients) == 0 {
		return Result{}, cascade.ErrSkip
	}
	var errs []error
	for idx, client := range s.Clients {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		profile := transport.Named(client, fmt.Sprintf("profile-%d", idx))
		res, err := s.attemptProfile(ctx, client, job)
		if err == nil {
			return res, nil
		}
		fields := logging.StrategyFields(string(job.Key), s.Name(), idx+1)
		fields["profile"] = profile
		s.logger().WithFields(fields).WithError(err).Debug("impersonation_profile_failed")
		errs = append(errs, fmt.Errorf("%s: %w", profile, err))
	}
	return Result{}, errors.Join(errs...)
}

func (s *ImpersonationStrategy) attemptProfile(parent context.Context, client transport.Client, job Job) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, s.timeout())
	defer cancel()

	var header http.Header
	if s.Headers != nil {
		header = s.Headers()
	}
	resp, err := client.Do(ctx, transport.Request{Method: http.MethodGet, URL: job.Source.DownloadURL, Header: header})
	if err != nil {
		return Result{}, deadlineError(parent, err, s.Name())
	}
	defer resp.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", artifact.ErrAcquisition, resp.StatusCode)
	}

	part := job.TargetPath + ".part"
	written, err := cache.WriteAtomic(ctx, part, resp.Body)
	if err != nil {
		_ = os.Remove(part)
		return Result{}, deadlineError(parent, err, s.Name())
	}
	if reason := s.Validator.CheckFile(part); reason != validate.ReasonOK {
		_ = os.Remove(part)
		return Result{}, fmt.Errorf("%w: body %s", artifact.ErrVerification, reason)
	}
	if err := os.Rename(part, job.TargetPath); err != nil {
		_ = os.Remove(part)
		return Result{}, err
	}
	return Result{Path: job.TargetPath, SizeBytes: written}, nil
}

func (s *ImpersonationStrategy) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 300 * time.Second
	}
	return s.Timeout
}

func (s *ImpersonationStrategy) logger() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
