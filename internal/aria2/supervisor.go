package aria2

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// Supervisor 连接已有的 aria2 守护进程，必要时自行启动一个。
type Supervisor struct {
	Binary  string
	Spawn   bool
	Options Options
	Logger  *logrus.Logger

	// 启动后等待 RPC 就绪的时长与轮询间隔
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration

	cmd    *exec.Cmd
	client *Client
}

// Start 返回可用的客户端；既连不上也无法启动时返回 ErrUnavailable。
func (s *Supervisor) Start(ctx context.Context) (*Client, error) {
	logger := s.logger()
	if client, err := Dial(ctx, s.Options, logger); err == nil {
		logger.WithField("rpc", s.Options.RPCURL).Info("aria2_attached")
		s.client = client
		return client, nil
	} else if !s.Spawn {
		return nil, err
	}

	binary, err := exec.LookPath(s.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	args, err := s.args()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnavailable, binary, err)
	}
	s.cmd = cmd
	logger.WithFields(logrus.Fields{"action": "aria2_spawn", "pid": cmd.Process.Pid}).Info("aria2_started")

	client, err := s.waitReady(ctx)
	if err != nil {
		s.kill()
		return nil, err
	}
	s.client = client
	return client, nil
}

func (s *Supervisor) waitReady(ctx context.Context) (*Client, error) {
	timeout := s.ReadyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	poll := s.ReadyPoll
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		client, err := Dial(ctx, s.Options, s.logger())
		if err == nil {
			return client, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: not ready after %s", ErrUnavailable, timeout)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) args() ([]string, error) {
	u, err := url.Parse(s.Options.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: rpc url: %v", ErrUnavailable, err)
	}
	port := u.Port()
	if port == "" {
		port = "6800"
	}
	args := []string{
		"--enable-rpc",
		"--rpc-listen-all=false",
		"--rpc-listen-port=" + port,
		"--continue=true",
		"--daemon=false",
		"--quiet=true",
	}
	if s.Options.Secret != "" {
		args = append(args, "--rpc-secret="+s.Options.Secret)
	}
	return args, nil
}

// Stop 关闭连接；若守护进程由本进程启动则一并结束它。
func (s *Supervisor) Stop() {
	if s.client != nil {
		if s.cmd != nil {
			_ = s.client.Shutdown()
		}
		_ = s.client.Close()
		s.client = nil
	}
	s.kill()
}

func (s *Supervisor) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = s.cmd.Process.Signal(os.Kill)
		<-done
	}
	s.cmd = nil
}

func (s *Supervisor) logger() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
