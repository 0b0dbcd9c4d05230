package artifact

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrResolution   = errors.New("resolution failed")
	ErrVerification = errors.New("verification failed")
	ErrAcquisition  = errors.New("acquisition failed")
	ErrTimeout      = errors.New("timed out")
	ErrBackpressure = errors.New("concurrency limit reached")
)

// Kind 区分对外暴露的失败类别。
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindResolution   Kind = "resolution_failure"
	KindVerification Kind = "verification_failure"
	KindAcquisition  Kind = "acquisition_failure"
	KindTimeout      Kind = "timeout"
	KindBackpressure Kind = "backpressure"
)

var kindSentinels = map[Kind]error{
	KindInvalidInput: ErrInvalidInput,
	KindResolution:   ErrResolution,
	KindVerification: ErrVerification,
	KindAcquisition:  ErrAcquisition,
	KindTimeout:      ErrTimeout,
	KindBackpressure: ErrBackpressure,
}

// Failure 把失败类别、包名与底层原因绑在一起，可以用 errors.Is 匹配哨兵错误。
type Failure struct {
	Kind Kind
	Key  Key
	Err  error
}

// NewFailure 构造 Failure，cause 可以为空。
func NewFailure(kind Kind, key Key, cause error) *Failure {
	return &Failure{Kind: kind, Key: key, Err: cause}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Key)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Key, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is 让 errors.Is(err, ErrResolution) 这类判断在没有包裹哨兵时也成立。
func (f *Failure) Is(target error) bool {
	sentinel, ok := kindSentinels[f.Kind]
	return ok && sentinel == target
}

// KindOf 返回错误链上第一个 Failure 的类别；无法归类时返回空字符串。
func KindOf(err error) Kind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
