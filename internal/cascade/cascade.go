// Package cascade runs an ordered list of attempts and stops at the first one
// that succeeds. Signal extraction, download-page scraping and acquisition
// strategies all share this runner.
package cascade

import (
	"context"
	"errors"
	"fmt"
)

// ErrSkip 表示该步骤不适用，不计为失败。
var ErrSkip = errors.New("step not applicable")

// ErrExhausted 表示所有步骤都没有成功。
var ErrExhausted = errors.New("all steps exhausted")

// Step 是级联中的一个候选。
type Step[In, Out any] interface {
	Name() string
	Attempt(ctx context.Context, in In) (Out, error)
}

// Func 将函数适配为 Step。
type Func[In, Out any] struct {
	Label string
	Fn    func(ctx context.Context, in In) (Out, error)
}

func (f Func[In, Out]) Name() string {
	return f.Label
}

func (f Func[In, Out]) Attempt(ctx context.Context, in In) (Out, error) {
	return f.Fn(ctx, in)
}

// Outcome 记录单个步骤的结果，Err 为空表示成功。
type Outcome struct {
	Index   int
	Step    string
	Err     error
	Skipped bool
}

// Observer 在每个步骤结束后被调用。
type Observer func(Outcome)

// Run 依次执行 steps，返回第一个成功的结果及其名称。
// 全部失败时返回的错误同时匹配 ErrExhausted 与各步骤的原始错误。
func Run[In, Out any](ctx context.Context, in In, steps []Step[In, Out], observe Observer) (Out, string, error) {
	var (
		zero Out
		errs []error
	)
	for idx, step := range steps {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		out, err := step.Attempt(ctx, in)
		outcome := Outcome{Index: idx, Step: step.Name(), Err: err, Skipped: errors.Is(err, ErrSkip)}
		if observe != nil {
			observe(outcome)
		}
		if err == nil {
			return out, step.Name(), nil
		}
		if outcome.Skipped {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", step.Name(), err))
	}
	if err := ctx.Err(); err != nil {
		return zero, "", err
	}
	return zero, "", errors.Join(append([]error{ErrExhausted}, errs...)...)
}
