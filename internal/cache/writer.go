package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// WriteAtomic 将 body 写入 target：先写同目录临时文件，成功后 rename，失败时清理临时文件。
// 临时文件名以 target 的文件名为前缀，清扫时会随预留路径一起被跳过。
func WriteAtomic(ctx context.Context, target string, body io.Reader) (int64, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := CopyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return written, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return written, err
	}
	return written, nil
}

// CopyWithContext 分块复制，每块之前检查 ctx，取消后立即返回已复制字节数。
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

// removeQuietly 删除文件，文件不存在不算错误。
func removeQuietly(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
