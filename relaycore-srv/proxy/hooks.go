package proxy

import "sync"

// Hooks is the embedder hook surface the Session Loop and Client
// Dispatcher consume, per §6. Each slice is read-only after startup;
// invocations fan out in parallel and the caller joins on all of them
// before proceeding (§4.4 S3, §5, §9).
type Hooks struct {
	TunnelConnectRequest  []func(*ConnectRequest)
	TunnelConnectResponse []func(*ConnectRequest, bool)
	BeforeRequest         []func(*Session)
	BeforeResponse        []func(*Session)
	AfterResponse         []func(*Session)
	UpstreamHTTPProxy     func(*Session) (string, bool)
	UpstreamHTTPSProxy    func(*Session) (string, bool)
	Exception             func(session *Session, err error)
}

// fireBeforeRequest invokes every BeforeRequest subscriber concurrently
// and waits for all to return, per §4.4 S3 / §9's hook fan-out. A
// subscriber may set session.Request.Cancel; cancellation in one
// subscriber never prevents the others from completing.
func (h *Hooks) fireBeforeRequest(session *Session) {
	fanOut(h.BeforeRequest, func(fn func(*Session)) { fn(session) })
}

func (h *Hooks) fireBeforeResponse(session *Session) {
	fanOut(h.BeforeResponse, func(fn func(*Session)) { fn(session) })
}

func (h *Hooks) fireAfterResponse(session *Session) {
	fanOut(h.AfterResponse, func(fn func(*Session)) { fn(session) })
}

func (h *Hooks) fireTunnelConnectRequest(cr *ConnectRequest) {
	fanOut(h.TunnelConnectRequest, func(fn func(*ConnectRequest)) { fn(cr) })
}

func (h *Hooks) fireTunnelConnectResponse(cr *ConnectRequest, allowed bool) {
	fanOut(h.TunnelConnectResponse, func(fn func(*ConnectRequest, bool)) { fn(cr, allowed) })
}

func (h *Hooks) fireException(session *Session, err error) {
	if h.Exception != nil {
		h.Exception(session, err)
	}
}

// fanOut invokes call(fn) for every subscriber concurrently and blocks
// until all have returned.
func fanOut[T any](subscribers []T, call func(T)) {
	if len(subscribers) == 0 {
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(subscribers))
	for _, fn := range subscribers {
		fn := fn
		go func() {
			defer wg.Done()
			call(fn)
		}()
	}
	wg.Wait()
}
