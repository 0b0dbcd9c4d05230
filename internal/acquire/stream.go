package acquire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/cache"
	"github.com/any-hub/apkrelay/internal/cascade"
	"github.com/any-hub/apkrelay/internal/transport"
	"github.com/any-hub/apkrelay/internal/validate"
)

// StreamingStrategy 用普通客户端 GET。非 HTML 响应分块直写目标文件；
// 声明为 HTML 的响应先完整读入内存并校验，通过后才落盘。
type StreamingStrategy struct {
	Client    transport.Client
	Headers   func() http.Header
	Timeout   time.Duration
	Validator validate.Validator
}

func (s *StreamingStrategy) Name() string {
	return "streaming"
}

func (s *StreamingStrategy) Attempt(parent context.Context, job Job) (Result, error) {
	if s.Client == nil {
		return Result{}, cascade.ErrSkip
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	var header http.Header
	if s.Headers != nil {
		header = s.Headers()
	}
	resp, err := s.Client.Do(ctx, transport.Request{Method: http.MethodGet, URL: job.Source.DownloadURL, Header: header})
	if err != nil {
		return Result{}, deadlineError(parent, err, s.Name())
	}
	defer resp.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", artifact.ErrAcquisition, resp.StatusCode)
	}

	if resp.IsHTML() {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, deadlineError(parent, err, s.Name())
		}
		if !s.Validator.IsValidBytes(body) {
			return Result{}, fmt.Errorf("%w: html response (%d bytes)", artifact.ErrVerification, len(body))
		}
		written, err := cache.WriteAtomic(ctx, job.TargetPath, bytes.NewReader(body))
		if err != nil {
			return Result{}, err
		}
		return Result{Path: job.TargetPath, SizeBytes: written}, nil
	}

	written, err := cache.WriteAtomic(ctx, job.TargetPath, resp.Body)
	if err != nil {
		return Result{}, deadlineError(parent, err, s.Name())
	}
	return Result{Path: job.TargetPath, SizeBytes: written}, nil
}
