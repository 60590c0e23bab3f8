package upipe

import (
	"github.com/google/uuid"

	"github.com/alxayo/upipe-go/pkg/uerror"
	"github.com/alxayo/upipe-go/pkg/uprobe"
)

// RequestType names the kind of resource a pipe needs from upstream.
type RequestType string

const (
	RequestUbufMgr  RequestType = "ubuf_mgr"
	RequestUrefMgr  RequestType = "uref_mgr"
	RequestUpumpMgr RequestType = "upump_mgr"
	RequestUclock   RequestType = "uclock"
)

// Request is a provider request propagated upstream through the probe
// chain: "I need a ubuf manager conforming to this flow format" and
// similar. A provider answers by calling Provide with the resulting value;
// registering a request that no probe provides returns uerror.Unhandled,
// mirroring the spec's register/unregister_request control commands.
type Request struct {
	ID         string
	Type       RequestType
	FlowFormat string

	provided bool
	result   any
}

// NewRequest creates a Request with a fresh correlation id.
func NewRequest(typ RequestType, flowFormat string) *Request {
	return &Request{ID: uuid.NewString(), Type: typ, FlowFormat: flowFormat}
}

// Provide fulfills the request with result.
func (r *Request) Provide(result any) {
	r.result = result
	r.provided = true
}

// Result returns the provided value, or (nil, false) if not yet provided.
func (r *Request) Result() (any, bool) { return r.result, r.provided }

// registerRequest records req and throws EventProvideRequest upstream so a
// probe (or an upstream pipe acting as provider) can answer it.
func (p *Pipe) registerRequest(req *Request) error {
	p.mu.Lock()
	p.requests[req.ID] = req
	p.mu.Unlock()

	event := uprobe.NewEvent(uprobe.EventProvideRequest).
		WithArg("request", req).
		WithArg("type", string(req.Type)).
		WithArg("flow_format", req.FlowFormat)

	err := uprobe.Throw(p.probe, p, event)
	if err != nil && !uerror.Is(err, uerror.Unhandled) {
		return err
	}
	if !req.provided {
		return uerror.NewUnhandled("upipe.register_request", nil)
	}
	return nil
}

// PendingRequests returns the ids of requests registered but not yet
// provided.
func (p *Pipe) PendingRequests() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, req := range p.requests {
		if !req.provided {
			ids = append(ids, id)
		}
	}
	return ids
}
