package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	"github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/transport"
)

func (e *Engine) fail(err error) {
	if e.pollCtx.Err() != nil {
		return
	}
	e.failed.Store(true)
	e.logger.Error("Poll loop stopped", err, nil)
}

func (e *Engine) wake() {
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

func (e *Engine) release(n int) {
	if n == 0 {
		return
	}
	e.buffered.Add(-int64(n))
	select {
	case e.freed <- struct{}{}:
	default:
	}
}

func (e *Engine) pollLoop() {
	defer close(e.pollDone)
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("recordflow: poll loop panic: %v", r))
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pollBackoffInitial
	bo.MaxInterval = pollBackoffMaxDelay

	for {
		free := e.awaitCapacity()
		if free == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(e.pollCtx, e.opts.PollTimeout)
		records, err := e.opts.Client.Poll(ctx, free)
		cancel()
		if e.pollCtx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, transport.ErrClientClosed) {
				e.fail(err)
				return
			}
			wait := bo.NextBackOff()
			e.pollErr.Store(&pollFailure{err: &errspkg.InfrastructureError{Op: "poll", Err: err}})
			e.reporter.PollFailed(e.opts.Name, e.opts.Topic, err)
			e.logger.Error("Poll failed", err, logging.LogFields{"retry_in": wait.String()})
			select {
			case <-time.After(wait):
			case <-e.pollCtx.Done():
				return
			}
			continue
		}
		if e.pollErr.Swap(nil) != nil {
			e.logger.Info("Poll recovered", nil)
		}
		bo.Reset()

		if len(records) == 0 {
			continue
		}
		e.buffered.Add(int64(len(records)))
		e.reporter.RecordsPolled(e.opts.Name, e.opts.Topic, len(records))
		select {
		case e.incoming <- records:
		case <-e.pollCtx.Done():
			e.buffered.Add(-int64(len(records)))
			return
		}
	}
}

// awaitCapacity blocks until the buffer has room and returns it, or returns
// zero when polling stops.
func (e *Engine) awaitCapacity() int {
	for {
		if free := e.opts.BufferSize - int(e.buffered.Load()); free > 0 {
			return free
		}
		select {
		case <-e.freed:
		case <-e.pollCtx.Done():
			return 0
		}
	}
}

func (e *Engine) work() {
	defer e.workers.Done()
	for j := range e.jobs {
		e.results <- e.run(j)
	}
}

func (e *Engine) run(j job) (r result) {
	r.job = j
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("recordflow: strategy panic: %v", rec)
			e.logger.Error("Recovered from panic", err, logging.LogFields{"records": len(j.batch)})
			r.outcomes = failAll(len(j.batch), err)
		}
	}()

	outcomes := e.opts.Strategy.Process(e.baseCtx, j.batch)
	if len(outcomes) != len(j.batch) {
		err := fmt.Errorf("recordflow: strategy returned %d outcomes for %d records", len(outcomes), len(j.batch))
		e.logger.Error("Invalid strategy result", err, nil)
		outcomes = failAll(len(j.batch), err)
	}
	r.outcomes = outcomes
	return r
}

func failAll(n int, err error) []Outcome {
	out := make([]Outcome, n)
	for i := range out {
		out[i] = Outcome{Kind: OutcomeRetry, Err: err}
	}
	return out
}

func (e *Engine) coordinate() {
	defer close(e.finished)
	defer close(e.jobs)

	ticker := time.NewTicker(e.opts.CommitRetryInterval)
	defer ticker.Stop()

	drain := e.drain
	for {
		// A pending drain wins over dispatch.
		select {
		case <-drain:
			drain = nil
			e.beginStopping()
		default:
		}

		e.settle()
		if e.stopping && e.busy == 0 {
			e.finish()
			return
		}

		select {
		case records := <-e.incoming:
			e.accept(records)
		case r := <-e.results:
			e.complete(r)
		case <-e.wakeup:
		case <-ticker.C:
		case <-drain:
			drain = nil
			e.beginStopping()
		case <-e.baseCtx.Done():
			e.stopTimers()
			return
		}
	}
}

// settle advances the cursors, commits, dispatches and publishes.
func (e *Engine) settle() {
	released := 0
	for _, p := range e.order {
		released += p.advance()
	}
	e.release(released)
	e.commit()
	e.dispatch()
	e.publish()
}

func (e *Engine) accept(records []transport.Record) {
	if e.stopping {
		e.release(len(records))
		return
	}
	dropped := 0
	for _, r := range records {
		p, ok := e.partitions[r.Partition]
		if !ok {
			p = newPartition(r.Partition)
			e.partitions[r.Partition] = p
			e.order = append(e.order, p)
		}
		if !p.accept(r) {
			dropped++
		}
	}
	if dropped > 0 {
		e.logger.Debug("Dropped records already buffered", logging.LogFields{"count": dropped})
		e.release(dropped)
	}
}

func (e *Engine) dispatch() {
	if e.stopping || len(e.order) == 0 {
		return
	}
	now := time.Now()
	for e.busy < e.opts.MaxConcurrency {
		items := e.collect(now)
		if len(items) == 0 {
			return
		}
		batch := make([]Item, len(items))
		for i, it := range items {
			batch[i] = Item{Record: it.record, Attempt: it.attempt + 1}
		}
		e.busy++
		e.jobs <- job{items: items, batch: batch}
	}
}

// collect gathers one job, scanning partitions round-robin.
func (e *Engine) collect(now time.Time) []*workItem {
	n := len(e.order)
	start := e.rr % n
	e.rr = (e.rr + 1) % n

	var items []*workItem
	for i := 0; i < n && len(items) < e.unit; i++ {
		items = e.order[(start+i)%n].collect(items, e.unit, e.opts.Order, now)
	}
	return items
}

func (e *Engine) complete(r result) {
	e.busy--
	now := time.Now()
	for i, it := range r.job.items {
		p := e.partitions[it.record.Partition]
		p.inFlight--
		it.attempt++

		o := r.outcomes[i]
		switch o.Kind {
		case OutcomeSuccess:
			it.state = itemDone
			e.reporter.RecordOutcome(e.opts.Name, e.opts.Topic, p.id, OutcomeSuccess)
		case OutcomeSkip, OutcomeExhausted:
			it.state = itemDone
			e.skip(it, o.Err)
		default:
			e.retry(it, o, now)
		}
	}
}

func recordFields(r transport.Record, attempt uint) logging.LogFields {
	return logging.LogFields{
		"partition": r.Partition,
		"offset":    r.Offset,
		"attempt":   attempt,
	}
}

func (e *Engine) skip(it *workItem, err error) {
	e.reporter.RecordOutcome(e.opts.Name, e.opts.Topic, it.record.Partition, OutcomeSkip)
	fields := recordFields(it.record, it.attempt)
	if err != nil {
		fields["error"] = err.Error()
	}
	e.logger.Warn("Skipping record", fields)
	if h := e.opts.Hooks.OnSkipped; h != nil {
		e.callHook("OnSkipped", func() { h(e.baseCtx, it.record, err) })
	}
}

func (e *Engine) retry(it *workItem, o Outcome, now time.Time) {
	fields := recordFields(it.record, it.attempt)
	if e.opts.MaxAttempts > 0 && it.attempt >= e.opts.MaxAttempts {
		it.state = itemDone
		e.reporter.RecordOutcome(e.opts.Name, e.opts.Topic, it.record.Partition, OutcomeExhausted)
		e.logger.Error("Retry attempts exhausted, skipping record", o.Err, fields)
		if h := e.opts.Hooks.OnExhausted; h != nil {
			e.callHook("OnExhausted", func() { h(e.baseCtx, it.record, it.attempt, o.Err) })
		}
		return
	}

	e.reporter.RecordOutcome(e.opts.Name, e.opts.Topic, it.record.Partition, OutcomeRetry)
	if e.stopping {
		it.state = itemQueued
		e.logger.Debug("Record failed while draining, leaving it uncommitted", fields)
		return
	}

	delay, explicit := retryDelay(o)
	if !explicit {
		delay = e.opts.Retry.DelayFor(it.attempt)
	}
	it.state = itemDelayed
	it.nextEligible = now.Add(delay)
	if delay > 0 {
		it.timer = time.AfterFunc(delay, e.wake)
	}

	fields["retry_in"] = delay.String()
	e.logger.Error("Record failed, retry scheduled", o.Err, fields)
	e.reporter.RetryScheduled(e.opts.Name, e.opts.Topic, it.record.Partition, it.attempt, delay)
	if h := e.opts.Hooks.OnRetryScheduled; h != nil {
		e.callHook("OnRetryScheduled", func() { h(e.baseCtx, it.record, it.attempt, delay, o.Err) })
	}
}

func (e *Engine) callHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Hook panicked", fmt.Errorf("%v", r), logging.LogFields{"hook": name})
		}
	}()
	fn()
}

func (e *Engine) commit() {
	var offsets map[int32]int64
	for _, p := range e.order {
		if p.cursor > p.committed {
			if offsets == nil {
				offsets = make(map[int32]int64)
			}
			offsets[p.id] = p.cursor
		}
	}
	if offsets == nil {
		e.commitErr = nil
		return
	}

	ctx, cancel := context.WithTimeout(e.baseCtx, commitTimeout)
	err := e.opts.Client.Commit(ctx, e.opts.Topic, offsets)
	cancel()
	if err != nil {
		e.commitErr = &errspkg.InfrastructureError{Op: "commit", Err: err}
		e.logger.Error("Commit failed", err, logging.LogFields{"offsets": offsets})
		return
	}
	e.commitErr = nil
	for id, offset := range offsets {
		e.partitions[id].committed = offset
		e.reporter.OffsetCommitted(e.opts.Name, e.opts.Topic, id, offset)
	}
	e.logger.Debug("Committed offsets", logging.LogFields{"offsets": offsets})
}

func (e *Engine) beginStopping() {
	e.stopping = true
	e.stopTimers()
	for _, p := range e.order {
		for _, it := range p.items {
			if it.state == itemDelayed {
				it.state = itemQueued
			}
		}
	}
	e.logger.Info("Draining processor", logging.LogFields{
		"in_flight": e.busy,
		"buffered":  e.buffered.Load(),
	})
}

func (e *Engine) stopTimers() {
	for _, p := range e.order {
		for _, it := range p.items {
			it.stopTimer()
		}
	}
}

func (e *Engine) finish() {
	e.drainErr = e.commitErr
	released := 0
	for _, p := range e.order {
		for _, it := range p.items {
			if it.state != itemDone {
				released++
			}
		}
	}
	e.logger.Info("Processor drained", logging.LogFields{"released": released})
}

func (e *Engine) publish() {
	snap := &Snapshot{
		Name:       e.opts.Name,
		Topic:      e.opts.Topic,
		Buffered:   int(e.buffered.Load()),
		Partitions: make([]PartitionSnapshot, 0, len(e.order)),
	}
	for _, p := range e.order {
		ps := p.snapshot(e.opts.Order, e.stopping)
		snap.InFlight += ps.InFlight
		snap.Partitions = append(snap.Partitions, ps)
	}
	slices.SortFunc(snap.Partitions, func(a, b PartitionSnapshot) int { return int(a.ID) - int(b.ID) })
	e.snap.Store(snap)

	if snap.InFlight != e.lastInFlight {
		e.lastInFlight = snap.InFlight
		e.reporter.InFlight(e.opts.Name, snap.InFlight)
	}
	if snap.Buffered != e.lastBuffered {
		e.lastBuffered = snap.Buffered
		e.reporter.Buffered(e.opts.Name, snap.Buffered)
	}
}
