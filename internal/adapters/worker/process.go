package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsgrid/deviceops/internal/domain/model"
	operrors "github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/observability/metrics"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/service"
	"github.com/opsgrid/deviceops/internal/tenant"
)

// finalizeTimeout bounds the terminal writes of a job after its execution
// context has ended.
const finalizeTimeout = 30 * time.Second

// outcome carries everything execution learned about a job to finalization.
type outcome struct {
	output     json.RawMessage
	endpoint   json.RawMessage
	dispatches int
	retries    int
	dispatched bool
	err        error
}

func (o *outcome) attempts() int {
	return o.dispatches + o.retries
}

// processJob executes one claimed job end to end: cancellation checkpoints,
// endpoint resolution, protocol dispatch with progress publishing, then the
// terminal result and state transition under the job's tenant scope.
func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	scope := tenant.Scope{TenantID: job.TenantID, UserID: job.UserID}
	scoped := tenant.WithContext(ctx, scope)

	jobCtx, cancel := context.WithTimeout(scoped, r.worker.JobDeadline)
	defer cancel()

	stopHeartbeat := r.startHeartbeat(jobCtx, job.ID)
	o := r.execute(jobCtx, job)
	stopHeartbeat()

	// Finalization survives the job deadline and runner shutdown: a claimed
	// job always gets its terminal record written.
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(scoped), finalizeTimeout)
	defer finCancel()
	r.finalize(finCtx, job, o, start)
}

func (r *Runner) execute(ctx context.Context, job *model.Job) *outcome {
	o := &outcome{}

	r.publishPhase(ctx, job.ID, model.PhaseStarted, 0, "")

	if r.cancelRequested(ctx, job.ID) {
		o.err = operrors.OpCancelled("cancelled before dispatch")
		return o
	}

	cfg, err := r.resolver.Resolve(ctx, job.DeviceID, job.Protocol)
	if err != nil {
		o.err = err
		return o
	}
	o.endpoint = r.endpointSnapshot(cfg)

	r.publishPhase(ctx, job.ID, model.PhaseConnecting, 0, cfg.Address)

	cfg.Logger = r.logger
	cfg.OnRetry = func(attempt int, delay time.Duration, cause error) error {
		// Pre-retry cancellation checkpoint: a requested cancel wins over
		// another attempt.
		if r.cancelRequested(ctx, job.ID) {
			return operrors.OpCancelled("cancelled before retry")
		}
		o.retries++
		r.publishRetry(ctx, job.ID, attempt, delay, cause)
		return nil
	}

	client, err := r.registry.New(*cfg)
	if err != nil {
		o.err = fmt.Errorf("build %s client: %w", job.Protocol, err)
		return o
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			r.logger.WarnContext(ctx, "close protocol client", "job_id", job.ID, "error", closeErr)
		}
	}()

	// Last checkpoint before any traffic reaches the device.
	if r.cancelRequested(ctx, job.ID) {
		o.err = operrors.OpCancelled("cancelled before dispatch")
		return o
	}

	switch job.Operation {
	case model.OperationGet:
		r.executeGet(ctx, job, client, o)
	case model.OperationSet:
		r.executeSet(ctx, job, client, o)
	case model.OperationBulk:
		r.executeBulk(ctx, job, client, o)
	case model.OperationOperate:
		r.executeOperate(ctx, job, client, o)
	default:
		o.err = operrors.OpUnsupported(fmt.Sprintf("unknown operation %q", job.Operation))
	}
	return o
}

func (r *Runner) executeGet(ctx context.Context, job *model.Job, client protocol.Client, o *outcome) {
	var params model.GetParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		o.err = operrors.OpProtocol("bad_params", "decode get params", err)
		return
	}

	o.dispatches++
	pairs, err := client.Get(ctx, params.Paths)
	if err != nil {
		o.err = err
		return
	}
	o.output = marshalOutput(model.GetOutput{Pairs: pairs})
}

// executeSet dispatches a set and reports per-path outcomes. A set that the
// device answered is a completed job even when individual paths were
// rejected; callers read the breakdown from the result output.
func (r *Runner) executeSet(ctx context.Context, job *model.Job, client protocol.Client, o *outcome) {
	var params model.SetParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		o.err = operrors.OpProtocol("bad_params", "decode set params", err)
		return
	}

	o.dispatches++
	o.dispatched = true
	outcomes, err := client.Set(ctx, params.Values)
	if err != nil {
		o.err = err
		return
	}
	o.output = marshalOutput(model.SetOutput{Outcomes: outcomes})
}

func (r *Runner) executeBulk(ctx context.Context, job *model.Job, client protocol.Client, o *outcome) {
	var params model.BulkParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		o.err = operrors.OpProtocol("bad_params", "decode bulk params", err)
		return
	}

	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = r.protocol.SNMPMaxRepetitions
	}

	pairs := make(map[string]string)
	pages := 0
	resume := ""

	for {
		o.dispatches++
		page, err := client.Walk(ctx, params.Root, pageSize, resume)
		if err != nil {
			o.output = marshalOutput(model.BulkOutput{Pairs: pairs, Pages: pages})
			o.err = err
			return
		}

		for k, v := range page.Pairs {
			pairs[k] = v
		}
		pages++

		// The subtree size is unknown, so the estimate approaches but never
		// reaches completion until the final page.
		percent := pages * 100 / (pages + 1)
		if page.Done {
			percent = 100
		}
		r.publishPageProgress(ctx, job.ID, percent, model.PageDetail{
			Page:    pages,
			Entries: len(page.Pairs),
			Resume:  page.Resume,
		})
		if err := r.jobs.SetProgress(ctx, job.ID, percent); err != nil {
			r.logger.WarnContext(ctx, "persist progress percent", "job_id", job.ID, "error", err)
		}

		if page.Done {
			break
		}
		resume = page.Resume

		// Page-boundary cancellation checkpoint.
		if r.cancelRequested(ctx, job.ID) {
			o.output = marshalOutput(model.BulkOutput{Pairs: pairs, Pages: pages})
			o.err = operrors.OpCancelled("cancelled at page boundary")
			return
		}
	}

	o.output = marshalOutput(model.BulkOutput{Pairs: pairs, Pages: pages})
}

func (r *Runner) executeOperate(ctx context.Context, job *model.Job, client protocol.Client, o *outcome) {
	var params model.OperateParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		o.err = operrors.OpProtocol("bad_params", "decode operate params", err)
		return
	}

	o.dispatches++
	o.dispatched = true
	out, err := client.Operate(ctx, params.Action, params.Args)
	if err != nil {
		o.err = err
		return
	}
	o.output = marshalOutput(model.OperateOutput{Output: out})
}

// finalize writes the once-only result row, the terminal progress event,
// and the terminal job state, then emits lifecycle metrics.
func (r *Runner) finalize(ctx context.Context, job *model.Job, o *outcome, start time.Time) {
	result := &model.JobResult{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Endpoint: o.endpoint,
		Output:   o.output,
		Attempts: o.attempts(),
	}

	var transition string
	var metricResult string
	var errKind string

	switch {
	case o.err == nil:
		result.Success = true
		transition = "completed"
		metricResult = metrics.ResultSuccess

	case operrors.IsOpKind(o.err, operrors.KindCancelled):
		opErr := operrors.AsOp(o.err)
		result.ErrorKind = string(opErr.Kind)
		result.ErrorMessage = opErr.Message
		// A mutating call that already went out may or may not have been
		// applied by the device.
		result.EffectUncertain = job.Operation.Mutating() && o.dispatched
		transition = "cancelled"
		metricResult = metrics.ResultNoop
		errKind = result.ErrorKind

	default:
		opErr := operrors.AsOp(o.err)
		result.ErrorKind = string(opErr.Kind)
		result.ErrorMessage = opErr.Error()
		transition = "failed"
		metricResult = metrics.ResultError
		errKind = result.ErrorKind
	}

	if err := r.results.Insert(ctx, result); err != nil {
		r.logger.ErrorContext(ctx, "persist job result", "job_id", job.ID, "error", err)
	}

	switch transition {
	case "completed":
		r.publishPhase(ctx, job.ID, model.PhaseCompleted, 100, "")
		if _, err := r.jobs.Complete(ctx, job.ID); err != nil {
			r.logger.ErrorContext(ctx, "complete job", "job_id", job.ID, "error", err)
		}
	case "cancelled":
		r.publishPhase(ctx, job.ID, model.PhaseCancelled, job.ProgressPercent, result.ErrorMessage)
		if _, err := r.jobs.MarkCancelled(ctx, job.ID); err != nil {
			r.logger.ErrorContext(ctx, "mark job cancelled", "job_id", job.ID, "error", err)
		}
	default:
		r.publishPhase(ctx, job.ID, model.PhaseFailed, job.ProgressPercent, result.ErrorMessage)
		if _, err := r.jobs.FailWithDetails(ctx, job.ID, result.ErrorMessage, service.JobFailureDetails{
			ErrorKind: result.ErrorKind,
		}); err != nil {
			r.logger.ErrorContext(ctx, "fail job", "job_id", job.ID, "error", err)
		}
	}

	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		Protocol:   string(job.Protocol),
		Operation:  string(job.Operation),
		Transition: transition,
		Result:     metricResult,
		Duration:   time.Since(start),
		ErrorKind:  errKind,
		Err:        o.err,
	})
}

// cancelRequested reports whether a cancel is pending for the job. Errors
// from the check never abort execution; the next checkpoint tries again.
func (r *Runner) cancelRequested(ctx context.Context, jobID string) bool {
	requested, err := r.jobs.CancelRequested(ctx, jobID)
	if err != nil {
		r.logger.WarnContext(ctx, "cancel checkpoint failed", "job_id", jobID, "error", err)
		return false
	}
	return requested
}

func (r *Runner) publishPhase(ctx context.Context, jobID string, phase model.ProgressPhase, percent int, message string) {
	if _, err := r.progress.PublishPhase(ctx, jobID, phase, percent, message); err != nil {
		r.logger.WarnContext(ctx, "publish progress event", "job_id", jobID, "phase", phase, "error", err)
	}
}

func (r *Runner) publishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration, cause error) {
	event := &model.ProgressEvent{
		JobID:   jobID,
		Phase:   model.PhaseRetrying,
		Message: cause.Error(),
	}
	detail := model.RetryDetail{
		Attempt:   attempt,
		BackoffMS: delay.Milliseconds(),
		ErrorKind: string(operrors.OpKind(cause)),
	}
	if _, err := r.progress.PublishDetail(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "publish retry event", "job_id", jobID, "error", err)
	}
}

func (r *Runner) publishPageProgress(ctx context.Context, jobID string, percent int, detail model.PageDetail) {
	event := &model.ProgressEvent{
		JobID:   jobID,
		Phase:   model.PhaseProgress,
		Percent: percent,
	}
	if _, err := r.progress.PublishDetail(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "publish page event", "job_id", jobID, "error", err)
	}
}

func (r *Runner) endpointSnapshot(cfg *protocol.Config) json.RawMessage {
	snapshot := model.EndpointSnapshot{
		Protocol: cfg.Protocol,
		Address:  cfg.Address,
		Port:     cfg.Port,
		AuthKind: string(cfg.Auth.Kind),
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Warn("marshal endpoint snapshot", "error", err)
		return nil
	}
	return raw
}

func marshalOutput(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
