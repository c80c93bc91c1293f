package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// stageTimeout resolves the timeout for a stage: per-stage override first,
// then the engine default, then 0 (unlimited).
func stageTimeout(opts Options, stage string) time.Duration {
	if d, ok := opts.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	if opts.DefaultNodeTimeout > 0 {
		return opts.DefaultNodeTimeout
	}
	return 0
}

// executeStage runs a stage under its timeout and converts panics into errors.
// The returned error is non-nil when the stage failed for any reason, in
// which case the result must not be merged.
func executeStage[S, U any](ctx context.Context, node Node[S, U], stage string, state S, timeout time.Duration) (result NodeResult[U], err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &EngineError{
				Message: fmt.Sprintf("stage %s panicked: %v", stage, r),
				Code:    "STAGE_PANIC",
			}
		}
	}()

	result = node.Run(runCtx, state)

	if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return result, &EngineError{
			Message: fmt.Sprintf("stage %s exceeded timeout of %v", stage, timeout),
			Code:    "NODE_TIMEOUT",
		}
	}
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}
