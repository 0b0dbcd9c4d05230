// Package aria2 talks to an aria2 daemon over JSON-RPC and, when asked to,
// launches one. The acquisition layer only sees the Submit/Status/Cancel
// surface; everything aria2-specific stays here.
package aria2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zyxar/argo/rpc"
)

// ErrUnavailable 表示守护进程没有响应。
var ErrUnavailable = errors.New("aria2 daemon unavailable")

// State 是 aria2 任务状态。
type State string

const (
	StateActive   State = "active"
	StateWaiting  State = "waiting"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateComplete State = "complete"
	StateRemoved  State = "removed"
)

// Terminal 表示任务不会再有进展。
func (s State) Terminal() bool {
	return s == StateError || s == StateComplete || s == StateRemoved
}

// Status 是一次 tellStatus 的精简结果。
type Status struct {
	ID        string
	State     State
	Total     int64
	Completed int64
	Message   string
}

// Progress 返回 0-1 之间的完成比例，总长度未知时为 0。
func (s Status) Progress() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total)
}

// Job 描述一次分段下载请求。
type Job struct {
	URL    string
	Dir    string
	Out    string
	Header http.Header
}

// Options 控制 RPC 连接与分段参数。
type Options struct {
	RPCURL                 string
	Secret                 string
	Split                  int
	MaxConnectionPerServer int
	Timeout                time.Duration
}

// Client 包装 argo 的 RPC 客户端。
type Client struct {
	rpc    rpc.Client
	opts   Options
	logger *logrus.Logger
}

// Dial 建立 RPC 客户端并用 getGlobalStat 确认守护进程在线。
func Dial(ctx context.Context, opts Options, logger *logrus.Logger) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Split <= 0 {
		opts.Split = 16
	}
	if opts.MaxConnectionPerServer <= 0 {
		opts.MaxConnectionPerServer = opts.Split
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	conn, err := rpc.New(ctx, opts.RPCURL, opts.Secret, opts.Timeout, rpc.DummyNotifier{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c := &Client{rpc: conn, opts: opts, logger: logger}
	if err := c.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Ping 检查守护进程是否响应。
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.rpc.GetGlobalStat(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Submit 提交下载任务并返回 gid。
func (c *Client) Submit(ctx context.Context, job Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	gid, err := c.rpc.AddURI([]string{job.URL}, c.jobOptions(job))
	if err != nil {
		return "", fmt.Errorf("aria2 addUri: %w", err)
	}
	c.logger.WithFields(logrus.Fields{"action": "aria2_submit", "gid": gid, "out": job.Out}).Debug("aria2_submitted")
	return gid, nil
}

func (c *Client) jobOptions(job Job) map[string]interface{} {
	headers := make([]string, 0, len(job.Header))
	for name, values := range job.Header {
		for _, v := range values {
			headers = append(headers, name+": "+v)
		}
	}
	split := strconv.Itoa(c.opts.Split)
	return map[string]interface{}{
		"dir":                       job.Dir,
		"out":                       job.Out,
		"header":                    headers,
		"split":                     split,
		"max-connection-per-server": strconv.Itoa(c.opts.MaxConnectionPerServer),
		"min-split-size":            "1M",
		"allow-overwrite":           "true",
		"auto-file-renaming":        "false",
	}
}

// Status 查询任务进度。
func (c *Client) Status(ctx context.Context, gid string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	info, err := c.rpc.TellStatus(gid, "gid", "status", "totalLength", "completedLength", "errorMessage")
	if err != nil {
		return Status{}, fmt.Errorf("aria2 tellStatus: %w", err)
	}
	total, _ := strconv.ParseInt(info.TotalLength, 10, 64)
	completed, _ := strconv.ParseInt(info.CompletedLength, 10, 64)
	return Status{
		ID:        gid,
		State:     State(info.Status),
		Total:     total,
		Completed: completed,
		Message:   info.ErrorMessage,
	}, nil
}

// Cancel 强制移除任务，任务已结束时 aria2 返回的错误被忽略。
func (c *Client) Cancel(_ context.Context, gid string) error {
	if _, err := c.rpc.ForceRemove(gid); err != nil {
		c.logger.WithError(err).WithField("gid", gid).Debug("aria2_remove_failed")
	}
	return nil
}

// Shutdown 请求守护进程退出，只用于自行启动的实例。
func (c *Client) Shutdown() error {
	_, err := c.rpc.Shutdown()
	return err
}

func (c *Client) Close() error {
	return c.rpc.Close()
}
