// Package router demultiplexes inbound provisioning frames to per-exchange
// sessions, creating a new session on first contact and tearing it down
// when it reaches a terminal status.
package router

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"wmprov/internal/config"
	"wmprov/internal/session"
	"wmprov/internal/transport"
	"wmprov/internal/wire"
)

// Router owns the live session table, keyed by (source address, node
// address, session id).
type Router struct {
	cfg       *config.Config
	sender    session.Sender
	endpoints transport.Endpoints
	retry     int
	timeout   time.Duration

	mu       sync.RWMutex
	sessions map[session.Key]*session.Session
}

// New constructs a Router bound to cfg and sender, with the given
// request/response endpoint pair used for every session it creates.
func New(cfg *config.Config, sender session.Sender, endpoints transport.Endpoints, retry int, timeout time.Duration) *Router {
	return &Router{
		cfg:       cfg,
		sender:    sender,
		endpoints: endpoints,
		retry:     retry,
		timeout:   timeout,
		sessions:  make(map[session.Key]*session.Session),
	}
}

// Dispatch decodes ev's payload and routes it to its session, spawning one if this
// is the first frame seen for its key. Frames with no source address
// cannot be routed or replied to and are dropped.
func (r *Router) Dispatch(ctx context.Context, ev transport.ReceivedDataEvent) {
	if ev.SourceAddress == nil {
		log.Warnf("router: dropping frame with no source address (gw=%s sink=%s)", ev.GatewayID, ev.SinkID)
		return
	}

	env := wire.Envelope{
		SourceAddress: ev.SourceAddress,
		GatewayID:     ev.GatewayID,
		SinkID:        ev.SinkID,
		TxTime:        ev.RxTimeMsEpoch - ev.TravelTimeMs,
	}

	frame, err := wire.Decode(ev.DataPayload, env)
	if err != nil {
		log.Warnf("router: dropping undecodable frame from %08X: %v", *ev.SourceAddress, err)
		return
	}

	key := session.Key{SourceAddress: *ev.SourceAddress, NodeAddress: frame.Header().NodeAddress, SessionID: frame.Header().SessionID}

	s := r.lookupOrCreate(ctx, key)
	s.Enqueue(frame, env)
}

func (r *Router) lookupOrCreate(ctx context.Context, key session.Key) *session.Session {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s
	}

	s = session.New(key, session.Options{
		Config:    r.cfg,
		Sender:    r.sender,
		Endpoints: r.endpoints,
		Retry:     r.retry,
		Timeout:   r.timeout,
	}, r.finish)
	r.sessions[key] = s
	log.Infof("router: new session %s", key)
	go s.Run(ctx)
	return s
}

func (r *Router) finish(key session.Key, status session.Status) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
	log.Infof("router: session %s finished with status %s", key, status)
}

// Snapshot returns a point-in-time copy of the live session table for
// display purposes (the admin API's live view). It holds no reference
// that would keep a finished session's entry alive.
func (r *Router) Snapshot() map[session.Key]*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[session.Key]*session.Session, len(r.sessions))
	for k, v := range r.sessions {
		out[k] = v
	}
	return out
}
