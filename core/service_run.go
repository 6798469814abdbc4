package core

import (
	"context"
	"errors"
	"time"

	"pkt.systems/cdpreplay/internal/logx"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

func (run *activeRun) bind(sess *session, cancel context.CancelFunc, rec schema.Recording) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.sess = sess
	run.cancel = cancel
	run.tabID = sess.tabID
	run.recordingID = rec.ID
	run.stepIndex = 0
	run.totalSteps = len(rec.Steps)
	return !run.aborted.Load()
}

func (run *activeRun) unbind(sess *session) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.sess == sess {
		run.sess = nil
		run.cancel = nil
	}
}

func (run *activeRun) setStep(index int) {
	run.mu.Lock()
	run.stepIndex = index
	run.mu.Unlock()
}

// runRecording drives the step loop for one recording. The returned result
// is persisted and announced before returning.
func (s *service) runRecording(ctx context.Context, run *activeRun, rec schema.Recording, tabID schema.TabID, runID schema.RunID) (result schema.RunResult) {
	log := logx.WithRecording(logx.WithRun(ctx, runID, tabID), rec)
	runCtx, cancel := context.WithCancel(logx.ContextWithRunLogger(ctx, log, runID, tabID))
	defer cancel()

	sess := newSession(s.browser, runID, rec.ID, tabID, s.cfg, log)
	result = schema.RunResult{
		RunID:          runID,
		RecordingID:    rec.ID,
		RecordingTitle: rec.Title,
		TabID:          tabID,
		TotalSteps:     len(rec.Steps),
		StepResults:    make([]schema.StepResult, 0, len(rec.Steps)),
		StartedAt:      time.Now().UTC(),
	}
	log.Info("replay run start", "steps", len(rec.Steps))

	defer func() {
		sess.close()
		run.unbind(sess)
		if run.aborted.Load() {
			result.Aborted = true
		}
		if result.Aborted {
			result.Passed = false
			result.Error = ""
		}
		result.FinishedAt = time.Now().UTC()
		if err := s.store.AppendRunResult(context.WithoutCancel(ctx), result); err != nil {
			log.Warn("replay run result persist failed", "err", err)
		}
		if s.sink != nil {
			s.sink.OnRunCompleted(schema.RunCompletedEvent{Result: result})
		}
		log.Info("replay run done",
			"passed", result.Passed,
			"aborted", result.Aborted,
			"completed", result.CompletedSteps,
			"total", result.TotalSteps,
			"duration_ms", result.Duration().Milliseconds(),
		)
	}()

	if !run.bind(sess, cancel, rec) {
		result.Aborted = true
		return result
	}
	if !s.cfg.KeepPage {
		if err := s.browser.Blank(runCtx, tabID); err != nil {
			result.Error = "blank tab: " + conciseError(err)
			return result
		}
	}
	if err := sess.life.attach(runCtx); err != nil {
		if s.abortedBy(runCtx, run, sess, err) {
			result.Aborted = true
			return result
		}
		result.Error = "attach: " + conciseError(err)
		return result
	}

	for i, step := range rec.Steps {
		stepLog := logx.WithStep(log, i, step.Type)
		if err := sess.life.wait(runCtx); err != nil {
			if s.abortedBy(runCtx, run, sess, err) {
				result.Aborted = true
				break
			}
			s.failStep(&result, runID, rec, tabID, i, step, err, 0, stepLog)
			return result
		}
		if run.aborted.Load() || runCtx.Err() != nil {
			result.Aborted = true
			break
		}
		run.setStep(i)
		s.emitStep(runID, rec, tabID, i, step, schema.StepRunning, 0, "", false)
		started := time.Now()

		if needsPreWait(step) {
			s.autoStep(runCtx, sess, runID, rec, i, schema.Step{
				Type:      schema.StepWaitForElement,
				Target:    step.Target,
				Selectors: step.Selectors,
				Frame:     step.Frame,
			}, stepLog)
		}

		skipped, err := s.exec.execute(runCtx, sess, step, stepLog)
		elapsed := time.Since(started)
		if err != nil {
			if s.abortedBy(runCtx, run, sess, err) {
				result.StepResults = append(result.StepResults, schema.StepResult{
					Index:      i,
					Type:       step.Type,
					Status:     schema.StepFailed,
					DurationMS: elapsed.Milliseconds(),
					Error:      schema.ErrSessionAborted.Error(),
				})
				result.Aborted = true
				break
			}
			s.failStep(&result, runID, rec, tabID, i, step, err, elapsed, stepLog)
			return result
		}

		status := schema.StepPassed
		if skipped {
			status = schema.StepSkipped
		}
		result.StepResults = append(result.StepResults, schema.StepResult{
			Index:      i,
			Type:       step.Type,
			Status:     status,
			DurationMS: elapsed.Milliseconds(),
		})
		result.CompletedSteps++
		stepLog.Debug("replay step done", "status", status, "duration_ms", elapsed.Milliseconds())
		s.emitStep(runID, rec, tabID, i, step, status, elapsed, "", false)

		if needsPostWait(step) {
			s.autoStep(runCtx, sess, runID, rec, i, schema.Step{Type: schema.StepWaitForPageLoad}, stepLog)
		}
		if err := sleepCtx(runCtx, s.cfg.InterStepDelay); err != nil {
			if s.abortedBy(runCtx, run, sess, err) {
				result.Aborted = true
				break
			}
		}
	}
	result.Passed = !result.Aborted
	return result
}

func (s *service) failStep(result *schema.RunResult, runID schema.RunID, rec schema.Recording, tabID schema.TabID, index int, step schema.Step, err error, elapsed time.Duration, log pslog.Logger) {
	stepErr := newStepError(index, step.Type, err)
	msg := stepErr.Message()
	result.StepResults = append(result.StepResults, schema.StepResult{
		Index:      index,
		Type:       step.Type,
		Status:     schema.StepFailed,
		DurationMS: elapsed.Milliseconds(),
		Error:      msg,
	})
	result.FailedStep = &schema.FailedStep{Index: index, Type: step.Type, Error: stepErr.Error()}
	result.Passed = false
	log.Warn("replay step failed", "kind", stepErr.Kind, "err", msg)
	s.emitStep(runID, rec, tabID, index, step, schema.StepFailed, elapsed, msg, false)
}

// abortedBy reports whether err ends the run as an abort rather than a
// failure. A user cancelled debugger or a cancelled caller marks the whole
// run aborted.
func (s *service) abortedBy(ctx context.Context, run *activeRun, sess *session, err error) bool {
	if run.aborted.Load() {
		return true
	}
	if ctx.Err() != nil {
		run.aborted.Store(true)
		return true
	}
	if errors.Is(err, schema.ErrUserCancelled) || errors.Is(sess.life.err(), schema.ErrUserCancelled) {
		run.aborted.Store(true)
		return true
	}
	return errors.Is(err, schema.ErrSessionAborted)
}

func needsPreWait(step schema.Step) bool {
	switch step.Type {
	case schema.StepClick, schema.StepDoubleClick, schema.StepChange, schema.StepSelectOption:
		return step.HasSelectors()
	default:
		return false
	}
}

func needsPostWait(step schema.Step) bool {
	return step.Type == schema.StepNavigate || step.Type == schema.StepSelectOption
}

// autoStep runs an injected wait. Failures are logged only. When a detach
// happened during the wait and reattachment succeeded, it is retried once.
func (s *service) autoStep(ctx context.Context, sess *session, runID schema.RunID, rec schema.Recording, index int, step schema.Step, log pslog.Logger) {
	for attempt := 1; attempt <= 2; attempt++ {
		detaches := sess.life.detachCount()
		started := time.Now()
		_, err := s.exec.execute(ctx, sess, step, log)
		if err == nil {
			s.emitStep(runID, rec, sess.tabID, index, step, schema.StepPassed, time.Since(started), "", true)
			return
		}
		if ctx.Err() != nil {
			return
		}
		retry := attempt == 1 && (sess.life.detachCount() != detaches || sess.life.reattaching())
		if retry {
			if werr := sess.life.wait(ctx); werr == nil {
				log.Info("replay auto wait retried after reattach", "auto", step.Type)
				continue
			}
		}
		log.Warn("replay auto wait failed", "auto", step.Type, "err", conciseError(err))
		s.emitStep(runID, rec, sess.tabID, index, step, schema.StepFailed, time.Since(started), conciseError(err), true)
		return
	}
}

func (s *service) emitStep(runID schema.RunID, rec schema.Recording, tabID schema.TabID, index int, step schema.Step, status schema.StepStatus, elapsed time.Duration, errText string, auto bool) {
	if s.sink == nil {
		return
	}
	s.sink.OnStepProgress(schema.StepProgressEvent{
		RunID:       runID,
		RecordingID: rec.ID,
		TabID:       tabID,
		StepIndex:   index,
		Total:       len(rec.Steps),
		Status:      status,
		StepType:    step.Type,
		Detail:      step.Describe(),
		DurationMS:  elapsed.Milliseconds(),
		Error:       errText,
		Auto:        auto,
		Timestamp:   time.Now().UTC(),
	})
}

// runBatch replays recordings in order, checking the abort flag between
// recordings only.
func (s *service) runBatch(ctx context.Context, run *activeRun, tabID schema.TabID, recs []schema.Recording) schema.BatchResult {
	log := logx.WithRun(ctx, run.id, tabID)
	batch := schema.BatchResult{
		BatchID:   run.id,
		TabID:     tabID,
		Total:     len(recs),
		Runs:      make([]schema.RunResult, 0, len(recs)),
		StartedAt: time.Now().UTC(),
	}
	log.Info("replay batch start", "recordings", len(recs))
	for i, rec := range recs {
		if run.aborted.Load() {
			batch.Aborted = true
			break
		}
		s.emitBatch(batch, i, rec, schema.StepRunning, "")
		if len(rec.Steps) == 0 {
			batch.Failed++
			log.Warn("replay batch recording skipped", "recording", rec.ID, "err", schema.ErrEmptyRecording)
			s.emitBatch(batch, i, rec, schema.StepFailed, schema.ErrEmptyRecording.Error())
			continue
		}
		res := s.runRecording(ctx, run, rec, tabID, newRunID())
		batch.Runs = append(batch.Runs, res)
		switch {
		case res.Passed:
			batch.Passed++
			s.emitBatch(batch, i, rec, schema.StepPassed, "")
		default:
			batch.Failed++
			s.emitBatch(batch, i, rec, schema.StepFailed, runFailure(res))
		}
	}
	if run.aborted.Load() {
		batch.Aborted = true
	}
	batch.FinishedAt = time.Now().UTC()
	log.Info("replay batch done", "passed", batch.Passed, "failed", batch.Failed, "aborted", batch.Aborted)
	if s.sink != nil {
		s.sink.OnBatchCompleted(schema.BatchCompletedEvent{Result: batch})
	}
	return batch
}

func runFailure(res schema.RunResult) string {
	switch {
	case res.Aborted:
		return schema.ErrSessionAborted.Error()
	case res.FailedStep != nil:
		return res.FailedStep.Error
	default:
		return res.Error
	}
}

func (s *service) emitBatch(batch schema.BatchResult, index int, rec schema.Recording, status schema.StepStatus, errText string) {
	if s.sink == nil {
		return
	}
	s.sink.OnBatchProgress(schema.BatchProgressEvent{
		BatchID:     batch.BatchID,
		TabID:       batch.TabID,
		Index:       index,
		Total:       batch.Total,
		RecordingID: rec.ID,
		Title:       rec.Title,
		Status:      status,
		Error:       errText,
		Timestamp:   time.Now().UTC(),
	})
}
