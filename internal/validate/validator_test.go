package validate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestIsValidThresholdAndMarkers(t *testing.T) {
	v := Validator{MinValidSize: 1000}

	cases := []struct {
		name  string
		buf   []byte
		valid bool
	}{
		{"small doctype", []byte("<!DOCTYPE html><html><body>blocked</body></html>"), false},
		{"small html tag", []byte("  <HTML lang=en>"), false},
		{"small head tag", []byte("xx<head><title>x</title>"), false},
		{"small binary", []byte("PK\x03\x04 zip"), true},
		{"large html", append([]byte("<!doctype html>"), bytes.Repeat([]byte("a"), 1000)...), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := v.IsValidBytes(tc.buf); got != tc.valid {
				t.Fatalf("IsValidBytes=%v, want %v", got, tc.valid)
			}
		})
	}
}

func TestIsValidInspectsOnlyFirstKilobyte(t *testing.T) {
	v := Validator{MinValidSize: 4096}
	buf := append(bytes.Repeat([]byte{0}, PrefixSize), []byte("<html>")...)
	if !v.IsValidBytes(buf) {
		t.Fatalf("标记位于前缀之外时不应判为 HTML")
	}
}

func TestIsValidPermissiveDecoding(t *testing.T) {
	v := Validator{MinValidSize: 4096}
	buf := append([]byte{0xff, 0xfe, 0xfd}, []byte("<!doctype html>")...)
	if v.IsValidBytes(buf) {
		t.Fatalf("非法 UTF-8 前缀不应掩盖 HTML 标记")
	}
}

func TestRejectUndersized(t *testing.T) {
	v := Validator{MinValidSize: 1000, RejectUndersized: true}
	if got := v.Check([]byte("PK\x03\x04"), 4); got != ReasonUndersized {
		t.Fatalf("严格模式下过小文件应被拒绝，得到 %s", got)
	}
	if got := v.Check(nil, 1000); got != ReasonOK {
		t.Fatalf("达到阈值即合法，得到 %s", got)
	}
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	v := Validator{MinValidSize: 64}

	htmlPath := filepath.Join(dir, "page.apk")
	if err := os.WriteFile(htmlPath, []byte("<!doctype html><p>error</p>"), 0o644); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if v.ValidateFile(htmlPath) {
		t.Fatalf("HTML 错误页应判为无效")
	}

	binPath := filepath.Join(dir, "app.apk")
	if err := os.WriteFile(binPath, bytes.Repeat([]byte{'P'}, 128), 0o644); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if !v.ValidateFile(binPath) {
		t.Fatalf("二进制文件应判为有效")
	}

	if got := v.CheckFile(filepath.Join(dir, "missing.apk")); got != ReasonMissing {
		t.Fatalf("缺失文件应返回 missing，得到 %s", got)
	}
}
