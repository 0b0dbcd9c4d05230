package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/config"
	"github.com/any-hub/apkrelay/internal/relay"
)

// loadConfigOrDefault 在配置文件不存在时使用内置默认值，便于一次性解析命令直接运行。
func loadConfigOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runResolve 解析一组包名并以表格形式输出，不启动 HTTP 服务。
func runResolve(cfg *config.Config, logger *logrus.Logger, keys []string) int {
	svc, err := relay.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tw := table.NewWriter()
	tw.SetOutputMirror(stdOut)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Package", "Type", "Size", "Source", "Version", "URL"})

	failed := 0
	for _, key := range keys {
		src, _, err := svc.Info(ctx, key)
		if err != nil {
			failed++
			tw.AppendRow(table.Row{key, "-", "-", artifact.KindOf(err), "-", err.Error()})
			continue
		}
		version := src.Version
		if version == "" {
			version = "latest"
		}
		tw.AppendRow(table.Row{
			src.Key,
			src.Variant,
			humanize.IBytes(uint64(src.SizeBytes)),
			src.Provenance,
			version,
			src.DownloadURL,
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "failed", fmt.Sprintf("%d/%d", failed, len(keys))})
	tw.Render()

	if failed > 0 {
		return 1
	}
	return 0
}
