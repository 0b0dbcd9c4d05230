package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "app.apk")
	n, err := WriteAtomic(context.Background(), target, strings.NewReader("payload"))
	if err != nil || n != 7 {
		t.Fatalf("write failed: n=%d err=%v", n, err)
	}
	body, err := os.ReadFile(target)
	if err != nil || string(body) != "payload" {
		t.Fatalf("unexpected body %q: %v", body, err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestWriteAtomicCleansUpOnError(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.apk")
	if _, err := WriteAtomic(context.Background(), target, failingReader{}); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected read error, got %v", err)
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Fatalf("temp files must be removed, found %d", len(files))
	}
}

func TestCopyWithContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var sb strings.Builder
	if _, err := CopyWithContext(ctx, &sb, strings.NewReader("data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
