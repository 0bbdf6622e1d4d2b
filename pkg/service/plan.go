package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const abortedByPlanMessage = "Not executed: an earlier step of the plan failed."

// Plan is an ordered list of batches. Batches run one after another with a
// hard barrier in between: nothing of batch N+1 starts before every member of
// batch N finished.
type Plan struct {
	eng      *engine
	parentID uuid.UUID
	batches  []*Batch
}

func newPlan(eng *engine, parentID uuid.UUID) *Plan {
	return &Plan{eng: eng, parentID: parentID}
}

// Add appends b as the next step. Its members, including those added later,
// get the step ordinal as position and the plan owner as parent.
func (p *Plan) Add(b *Batch) error {
	position := len(p.batches)
	if err := b.setTaskContext(position, p.parentID); err != nil {
		return fmt.Errorf("failed to place batch %s at position %d: %w", b.Name(), position, err)
	}
	p.batches = append(p.batches, b)
	return nil
}

func (p *Plan) Batches() []*Batch {
	return append([]*Batch(nil), p.batches...)
}

// Run executes the batches in order. It stops at the first failed batch that
// does not ignore errors and returns an error wrapping ErrTaskFailed; members
// of the batches that never ran are aborted. Failures of an ignoreErrors batch
// stay visible on its members but do not fail the plan.
func (p *Plan) Run(ctx context.Context) error {
	for i, b := range p.batches {
		if err := ctx.Err(); err != nil {
			p.abortFrom(i)
			return fmt.Errorf("%w: plan cancelled before batch %s: %v", ErrTaskFailed, b.Name(), err)
		}
		start := time.Now()
		p.eng.logger.Debugf("Starting batch %s at position %d with %d task(s)", b.Name(), i, b.NumTasks())
		b.Start(ctx)
		ok := b.WaitFor()
		p.eng.metrics.BatchFinished(string(b.Category()), ok, time.Since(start))
		if ok {
			p.eng.logger.Infof("Batch %s", b)
			continue
		}
		if b.IgnoreErrors() {
			p.eng.logger.Warnf("Batch %s failed, continuing since it ignores errors: %v", b.Name(), b.Err())
			continue
		}
		p.abortFrom(i + 1)
		return fmt.Errorf("%w: batch %s: %v", ErrTaskFailed, b.Name(), b.Err())
	}
	return nil
}

func (p *Plan) abortFrom(i int) {
	for _, b := range p.batches[i:] {
		b.abort(abortedByPlanMessage)
	}
}
