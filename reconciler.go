package npurt

import (
	"time"
)

// WakeReconciler schedules a reconciler pass. At most WakeSignalDepth
// wakeups are outstanding; further calls are no-ops.
func (d *Device) WakeReconciler() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// reconcileLoop is the device's single background reconciler
func (d *Device) reconcileLoop(stop <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TimeoutMonitorGranularity)
	defer ticker.Stop()

	d.log.Debug("reconciler started")
	for {
		select {
		case <-stop:
			d.log.Debug("reconciler stopping")
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.busy.StoreRelease(true)
		d.reconcilePass()
		d.busy.StoreRelease(false)
	}
}

// reconcilePass visits every live stream once
func (d *Device) reconcilePass() {
	reports := 0
	for _, s := range d.liveStreams() {
		reports += s.reconcile()
	}
	d.observer.ObserveReconcile(reports)
}

// reconcile drains completion reports and retires finished slots. It
// returns the number of reports consumed.
func (s *Stream) reconcile() int {
	if s.closed.LoadAcquire() {
		return 0
	}
	if s.ring.Pending() == 0 && !s.dev.backend.QueryHasCompletion(s.sqID()) {
		return 0
	}
	s.recycleMu.Lock()
	defer s.recycleMu.Unlock()
	// the queue pair may already belong to a newer stream
	if s.closed.LoadAcquire() {
		return 0
	}
	return s.reconcileLocked()
}

func (s *Stream) reconcileLocked() int {
	n := s.processCompletionReports()
	more, err := s.retireBySqHead()
	if err != nil && !IsCode(err, ErrCodeInvalidQueueState) {
		s.log.WithError(err).Warn("retire failed")
	}
	return n + more
}

// processCompletionReports drains every available completion record.
// Called with recycleMu held.
func (s *Stream) processCompletionReports() int {
	batch := s.dev.opts.CompletionBatch
	total := 0
	for s.dev.backend.QueryHasCompletion(s.sqID()) {
		recs, err := s.dev.backend.DrainCompletions(s.sqID(), batch)
		if err != nil {
			s.log.WithError(err).Warn("drain completions failed")
			break
		}
		for i := range recs {
			s.handleReport(&recs[i])
		}
		total += len(recs)
		if len(recs) < batch {
			break
		}
	}
	return total
}

func (s *Stream) handleReport(rec *CompletionRecord) {
	seq, t, ok := s.ring.Lookup(rec.TaskSequence)
	if !ok || t == nil {
		s.log.Warn("completion for unknown task", "report", rec.String())
		return
	}
	if rec.HasWarning() {
		s.log.WithTask(seq, t.kind.String()).Warn("task completed with warning", "code", rec.ErrorCode)
	}
	err := t.handler.Complete(t, rec)
	if err == nil {
		return
	}
	t.setErr(err)
	if rec.IsQuit() {
		return
	}
	s.log.WithTask(seq, t.kind.String()).WithError(err).Warn("task failed")
	s.escalate(err)
}

// escalate applies the stream's failure mode to a task failure
func (s *Stream) escalate(err error) {
	switch s.mode {
	case FailureStopOnFirst:
		s.ctx.Abort(err)
	case FailureAbortAll:
		if !s.ctx.Abort(err) {
			return
		}
		for _, peer := range s.ctx.Streams() {
			if qerr := s.dev.backend.RequestQuit(peer.sqID()); qerr != nil {
				peer.log.WithError(qerr).Warn("quit request failed")
			}
		}
	}
}

// retireBySqHead retires every slot the hardware head has passed. Called
// with recycleMu held after processCompletionReports.
func (s *Stream) retireBySqHead() (int, error) {
	head, err := s.dev.backend.QueryHead(s.sqID())
	if err != nil {
		return 0, s.wrap("QUERY_HEAD", err)
	}
	// reports are posted before the head moves past their task
	extra := 0
	if s.dev.backend.QueryHasCompletion(s.sqID()) {
		extra = s.processCompletionReports()
	}

	oldHead, tail := s.ring.HeadPosition(), s.ring.TailPosition()
	out, err := s.ring.RetireUpTo(head, s.retireTask)
	if err != nil {
		s.dev.observer.ObserveInvalidQueueState()
		s.log.QueueStateError(head, oldHead, tail, err)
		e := s.newError("RETIRE", ErrCodeInvalidQueueState, err.Error())
		e.Inner = err
		s.queueErr.Store(e)
		return extra, e
	}
	if out.Count > 0 {
		s.dev.observer.ObserveQueueDepth(s.ring.Pending())
	}
	return extra, nil
}

// retireTask releases everything a retired slot owns. Continuation slots
// carry no task.
func (s *Stream) retireTask(seq uint64, t *Task) {
	if t == nil {
		return
	}
	t.args.Release()
	if t.needsPost {
		if !s.TakePostProcessingHead(t) {
			s.log.Error("post-processing queue out of order", "seq", seq)
		}
		t.handler.Uninit(t)
	}

	latency := time.Since(t.submitted)
	t.finish(TaskCompleted)
	err := t.Err()
	s.dev.observer.ObserveComplete(t.kind, uint64(latency.Nanoseconds()), err == nil)
	s.log.TaskRetired(seq, t.kind.String(), latency, err)
}
