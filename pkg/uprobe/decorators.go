package uprobe

import (
	"fmt"
	"io"
	"sync"

	"github.com/alxayo/upipe-go/pkg/uerror"
)

// Prefix decorates the chain by prepending a label to log records before
// passing the event on; non-log events pass through untouched. Grounded on
// a WithConn/WithStream-style field-injection helper, generalized from
// structured-log field attachment to a probe-chain log-record rewrite.
func Prefix(label string) *Probe {
	return New(func(_ Pipe, event *Event) error {
		if event.Type == EventLog {
			event.Message = label + ": " + event.Message
		}
		return uerror.NewUnhandled("uprobe.decorator", nil)
	})
}

// Stdio formats log events at or above minLevel to w and reports them
// handled, which stops the chain. Log events below minLevel and all other
// events pass through to the next probe.
// Grounded on a structured-stdio-output hook that serializes events for an
// external consumer, generalized from a fixed JSON/env pair to a plain
// leveled line format with a caller-supplied writer and threshold.
func Stdio(w io.Writer, minLevel LogLevel) *Probe {
	var mu sync.Mutex
	return New(func(pipe Pipe, event *Event) error {
		if event.Type != EventLog || event.Level < minLevel {
			return uerror.NewUnhandled("uprobe.decorator", nil)
		}
		mu.Lock()
		defer mu.Unlock()
		name := ""
		if pipe != nil {
			name = pipe.Name()
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", levelString(event.Level), name, event.Message)
		return nil
	})
}

func levelString(l LogLevel) string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "unknown"
	}
}

// SelflowFilter decides, given a flow definition string, whether it should
// propagate further upstream.
type SelflowFilter func(flowDef string) bool

// Selflow decorates split_update/new_flow_def events: if filter rejects the
// flow, the event is considered handled (chain stops, flow does not
// propagate further); otherwise it passes through.
func Selflow(filter SelflowFilter) *Probe {
	return New(func(_ Pipe, event *Event) error {
		if event.Type != EventSplitUpdate && event.Type != EventNewFlowDef {
			return uerror.NewUnhandled("uprobe.decorator", nil)
		}
		flowDef, _ := event.Args["flow_def"].(string)
		if filter(flowDef) {
			return uerror.NewUnhandled("uprobe.decorator", nil)
		}
		return nil // handled: swallow the event, do not propagate the flow
	})
}

// Dejitter smooths clock_ref samples with a simple moving average over the
// last window samples, rewriting event.Args["value"] in place before
// passing the event on.
func Dejitter(window int) *Probe {
	if window <= 0 {
		window = 1
	}
	samples := make([]int64, 0, window)
	var mu sync.Mutex
	return New(func(_ Pipe, event *Event) error {
		if event.Type != EventClockRef {
			return uerror.NewUnhandled("uprobe.decorator", nil)
		}
		v, ok := event.Args["value"].(int64)
		if !ok {
			return uerror.NewUnhandled("uprobe.decorator", nil)
		}
		mu.Lock()
		samples = append(samples, v)
		if len(samples) > window {
			samples = samples[len(samples)-window:]
		}
		var sum int64
		for _, s := range samples {
			sum += s
		}
		smoothed := sum / int64(len(samples))
		mu.Unlock()
		event.Args["value"] = smoothed
		return uerror.NewUnhandled("uprobe.decorator", nil)
	})
}
