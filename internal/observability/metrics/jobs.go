package metrics

import (
	"time"

	obserrors "github.com/opsgrid/deviceops/internal/observability/errors"
	"github.com/opsgrid/deviceops/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Protocol   string
	Operation  string
	Transition string
	Result     string
	Duration   time.Duration
	ErrorKind  string
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"protocol":   in.Protocol,
		"operation":  in.Operation,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Result == ResultError {
		switch {
		case in.ErrorKind != "":
			tags["error_kind"] = in.ErrorKind
		case in.Err != nil:
			if class := obserrors.Classify(in.Err); class != "" {
				tags["error_kind"] = class
			}
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
