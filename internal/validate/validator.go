// Package validate decides whether a downloaded payload is a real artifact or
// an HTML error page served in its place.
package validate

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"unicode/utf8"
)

// PrefixSize 是判定时读取的前缀长度。
const PrefixSize = 1024

// DefaultMinValidSize 低于该字节数的载荷才会被检查 HTML 标记。
const DefaultMinValidSize int64 = 500000

var htmlMarkers = [][]byte{
	[]byte("<html"),
	[]byte("<!doctype"),
	[]byte("<head"),
}

// Reason 描述判定结果，供日志使用。
type Reason string

const (
	ReasonOK         Reason = "ok"
	ReasonHTML       Reason = "html_payload"
	ReasonUndersized Reason = "undersized"
	ReasonMissing    Reason = "missing"
	ReasonUnreadable Reason = "unreadable"
)

// Validator 无状态，可在任意 goroutine 中并发使用。
type Validator struct {
	MinValidSize int64
	// RejectUndersized 为 true 时，低于阈值但不含 HTML 标记的载荷同样判为无效。
	RejectUndersized bool
}

// New 返回带默认阈值的校验器。
func New(minValidSize int64, rejectUndersized bool) Validator {
	if minValidSize <= 0 {
		minValidSize = DefaultMinValidSize
	}
	return Validator{MinValidSize: minValidSize, RejectUndersized: rejectUndersized}
}

// Check 根据前缀与总大小给出判定。size >= MinValidSize 时不检查内容。
func (v Validator) Check(prefix []byte, size int64) Reason {
	if size >= v.MinValidSize {
		return ReasonOK
	}
	if containsHTMLMarker(prefix) {
		return ReasonHTML
	}
	if v.RejectUndersized {
		return ReasonUndersized
	}
	return ReasonOK
}

// IsValid 是 Check 的布尔形式。
func (v Validator) IsValid(prefix []byte, size int64) bool {
	return v.Check(prefix, size) == ReasonOK
}

// IsValidBytes 校验一个完整缓冲区。
func (v Validator) IsValidBytes(buf []byte) bool {
	return v.IsValid(buf, int64(len(buf)))
}

// CheckFile 读取文件前缀并给出判定，文件不存在时返回 ReasonMissing。
func (v Validator) CheckFile(path string) Reason {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ReasonMissing
		}
		return ReasonUnreadable
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return ReasonUnreadable
	}
	if info.Size() >= v.MinValidSize {
		return ReasonOK
	}

	prefix := make([]byte, PrefixSize)
	n, err := io.ReadFull(f, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return ReasonUnreadable
	}
	return v.Check(prefix[:n], info.Size())
}

// ValidateFile 是 CheckFile 的布尔形式。
func (v Validator) ValidateFile(path string) bool {
	return v.CheckFile(path) == ReasonOK
}

func containsHTMLMarker(prefix []byte) bool {
	if len(prefix) > PrefixSize {
		prefix = prefix[:PrefixSize]
	}
	lowered := bytes.ToLower(permissive(prefix))
	for _, marker := range htmlMarkers {
		if bytes.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// permissive 丢弃非法 UTF-8 字节，二进制前缀中的 HTML 片段仍可被识别。
func permissive(prefix []byte) []byte {
	if utf8.Valid(prefix) {
		return prefix
	}
	return []byte(strings.ToValidUTF8(string(prefix), ""))
}
