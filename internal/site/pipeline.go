// Package site holds the scripted login pipeline and the site adapters that
// know one external website's locations, selectors and extraction logic.
package site

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
)

// Step is one stage of a scripted browser interaction.
type Step struct {
	Name string
	// Timeout bounds Action. Zero means only the parent context applies.
	Timeout time.Duration
	// Guards are selectors that must all be present for the step to run.
	// A missing guard skips the step; it is not a failure.
	Guards []string
	// Tolerant steps log a failure and let the pipeline continue.
	Tolerant bool
	// Settle is a pause after the step runs, successful or tolerated.
	Settle time.Duration
	Action func(ctx context.Context, page browser.Page) error
}

// StepError reports which step aborted a pipeline.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RunPipeline executes steps in order against page.
func RunPipeline(ctx context.Context, page browser.Page, steps []Step, logger *zap.Logger) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name, Err: err}
		}

		ready, missing, err := guardsPresent(ctx, page, step.Guards)
		if err != nil {
			return &StepError{Step: step.Name, Err: err}
		}
		if !ready {
			logger.Debug("Skipping step, guard element absent.",
				zap.String("step", step.Name),
				zap.String("selector", missing))
			continue
		}

		start := time.Now()
		err = runStep(ctx, page, step)
		switch {
		case err == nil:
			logger.Debug("Step completed.", zap.String("step", step.Name), zap.Duration("took", time.Since(start)))
		case step.Tolerant && ctx.Err() == nil:
			logger.Warn("Step failed, continuing.", zap.String("step", step.Name), zap.Error(err))
		default:
			return &StepError{Step: step.Name, Err: err}
		}

		if err := sleep(ctx, step.Settle); err != nil {
			return &StepError{Step: step.Name, Err: err}
		}
	}
	return nil
}

func runStep(ctx context.Context, page browser.Page, step Step) error {
	if step.Action == nil {
		return nil
	}
	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	err := step.Action(stepCtx, page)
	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", step.Timeout, err)
	}
	return err
}

func guardsPresent(ctx context.Context, page browser.Page, guards []string) (bool, string, error) {
	for _, sel := range guards {
		ok, err := page.Exists(ctx, sel)
		if err != nil {
			return false, sel, err
		}
		if !ok {
			return false, sel, nil
		}
	}
	return true, "", nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
