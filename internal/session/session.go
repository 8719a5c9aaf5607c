// Package session implements the per-exchange provisioning state machine:
// one instance per in-flight node provisioning attempt, driven by its own
// event queue, retry budget, and timeout timer.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"wmprov/internal/config"
	"wmprov/internal/provcrypto"
	"wmprov/internal/transport"
	"wmprov/internal/wire"
)

// Key is the routing identity of a session: the inbound frame's source
// network address, the node's own address, and the session byte it chose.
type Key struct {
	SourceAddress uint32
	NodeAddress   [4]byte
	SessionID     uint8
}

func (k Key) String() string {
	return fmt.Sprintf("[%08X, %02X%02X%02X%02X, %02X]",
		k.SourceAddress, k.NodeAddress[0], k.NodeAddress[1], k.NodeAddress[2], k.NodeAddress[3], k.SessionID)
}

// State is a session's place in the provisioning handshake.
type State int

const (
	StateIdle State = iota
	StateWaitResponse
)

// Status is ONGOING while the session is live; any other value is terminal.
type Status int

const (
	StatusOngoing Status = iota
	StatusSuccess
	StatusErrorSendingData
	StatusErrorSendingNack
	StatusErrorNotAuthorized
	StatusErrorNotStart
	StatusErrorInvalidState
	StatusErrorNackReceived
	StatusErrorNoResponse
)

func (s Status) String() string {
	switch s {
	case StatusOngoing:
		return "ONGOING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusErrorSendingData:
		return "ERROR_SENDING_DATA"
	case StatusErrorSendingNack:
		return "ERROR_SENDING_NACK"
	case StatusErrorNotAuthorized:
		return "ERROR_NOT_AUTHORIZED"
	case StatusErrorNotStart:
		return "ERROR_NOT_START"
	case StatusErrorInvalidState:
		return "ERROR_INVALID_STATE"
	case StatusErrorNackReceived:
		return "ERROR_NACK_RECEIVED"
	case StatusErrorNoResponse:
		return "ERROR_NO_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Sender is the narrow slice of transport.Transport a session needs: the
// ability to push a payload back to the node that started it.
type Sender interface {
	Send(ctx context.Context, gwID, sinkID string, dest uint32, srcEP, dstEP uint8, qos int, payload []byte) (transport.ResultCode, error)
}

// FinishFunc is invoked exactly once, from the session's own goroutine,
// when its status leaves ONGOING. The router uses it to drop the table
// entry.
type FinishFunc func(Key, Status)

const (
	defaultRetry   = 1
	defaultTimeout = 180 * time.Second
	qos            = 1
)

type eventKind int

const (
	eventPacketReceived eventKind = iota
	eventTimeout
)

type event struct {
	kind  eventKind
	frame wire.Frame
	env   wire.Envelope
}

// Session is one in-flight provisioning exchange.
type Session struct {
	key       Key
	cfg       *config.Config
	sender    Sender
	endpoints transport.Endpoints
	finish    FinishFunc

	eventQ chan event
	timer  *time.Timer

	timeout time.Duration
	retry   int

	state   State
	status  Status
	counter uint16

	txTime       int64
	gwID, sinkID string
}

// Options configures a new Session. Retry and Timeout default to the
// protocol's standard values (1 retry, 180s) when zero.
type Options struct {
	Config    *config.Config
	Sender    Sender
	Endpoints transport.Endpoints
	Retry     int
	Timeout   time.Duration
}

// New constructs a session in the IDLE state with a freshly drawn random
// counter seed. The caller must call Run to start its event loop and
// Enqueue to deliver it events.
func New(key Key, opts Options, finish FinishFunc) *Session {
	retry := opts.Retry
	if retry == 0 {
		retry = defaultRetry
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Session{
		key:       key,
		cfg:       opts.Config,
		sender:    opts.Sender,
		endpoints: opts.Endpoints,
		finish:    finish,
		eventQ:    make(chan event, 8),
		timeout:   timeout,
		retry:     retry,
		state:     StateIdle,
		status:    StatusOngoing,
		counter:   randomCounter(),
	}
}

// Key returns the session's routing identity.
func (s *Session) Key() Key { return s.key }

// Status returns the session's current status. Like the teacher's own
// Session.Connected field, this is read from outside the session's
// goroutine for display purposes only (the admin API's live session
// view) and is not synchronized against the run loop's writes.
func (s *Session) Status() Status { return s.status }

func randomCounter() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.Warnf("session: failed to draw random counter seed, defaulting to 0: %v", err)
		return 0
	}
	return binary.LittleEndian.Uint16(b[:])
}

// Enqueue delivers a decoded inbound frame to the session. It never blocks:
// a full queue drops the frame and logs, since the router must remain
// responsive to every other session regardless of one session's pace.
func (s *Session) Enqueue(frame wire.Frame, env wire.Envelope) {
	select {
	case s.eventQ <- event{kind: eventPacketReceived, frame: frame, env: env}:
	default:
		log.Warnf("session %s: event queue full, dropping %s frame", s.key, frame.Type())
	}
}

// Run drives the session's event loop until it reaches a terminal status,
// then invokes finish. It should be started in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	for s.status == StatusOngoing {
		ev := <-s.eventQ
		log.Debugf("session %s: event in state %v", s.key, s.state)

		switch s.state {
		case StateIdle:
			s.handleIdle(ctx, ev)
		case StateWaitResponse:
			s.handleWaitResponse(ctx, ev)
		default:
			s.status = StatusErrorInvalidState
		}
	}

	s.cancelTimer()
	log.Infof("session %s: terminal status %s", s.key, s.status)
	s.finish(s.key, s.status)
}

func (s *Session) handleIdle(ctx context.Context, ev event) {
	if ev.kind != eventPacketReceived {
		s.status = StatusErrorNotStart
		return
	}
	s.updateOrigin(ev.env)

	start, ok := ev.frame.(*wire.StartFrame)
	if !ok {
		log.Errorf("session %s: first frame is not START, failing", s.key)
		s.status = StatusErrorNotStart
		return
	}
	s.processStart(ctx, start)
}

func (s *Session) handleWaitResponse(ctx context.Context, ev event) {
	if ev.kind == eventTimeout {
		log.Warnf("session %s: timed out waiting for node response", s.key)
		s.status = StatusErrorNoResponse
		return
	}
	s.updateOrigin(ev.env)

	switch f := ev.frame.(type) {
	case *wire.StartFrame:
		log.Warnf("session %s: START (re)received, re-sending DATA", s.key)
		s.processStart(ctx, f)
	case *wire.DataAckFrame:
		log.Infof("session %s: DATA_ACK received", s.key)
		s.cancelTimer()
		s.status = StatusSuccess
	case *wire.NackFrame:
		log.Infof("session %s: NACK received (reason %d)", s.key, f.Reason)
		s.cancelTimer()
		s.status = StatusErrorNackReceived
	}
}

// processStart builds and sends the DATA response to a START frame,
// encrypting it first when the node's whitelisted method requires it, or
// sends a NACK when the UID is unknown or the method doesn't match.
func (s *Session) processStart(ctx context.Context, start *wire.StartFrame) {
	hdr := wire.Header{NodeAddress: s.key.NodeAddress, SessionID: s.key.SessionID}

	node, known := s.cfg.Lookup(start.UID)
	if !known || node.Method != start.Method {
		reason := wire.NackNotAuthorized
		if known {
			reason = wire.NackMethodNotSupported
		}
		log.Errorf("session %s: rejecting START (uid known=%v) with NACK reason %d", s.key, known, reason)

		sent := s.sendWithRetry(ctx, wire.Encode(&wire.NackFrame{Hdr: hdr, Reason: reason}))
		s.cancelTimer()
		if sent {
			s.status = StatusErrorNotAuthorized
		} else {
			s.status = StatusErrorSendingNack
		}
		return
	}

	bundle, err := node.CanonicalCBOR()
	if err != nil {
		log.Errorf("session %s: failed to encode provisioning bundle: %v", s.key, err)
		s.cancelTimer()
		s.status = StatusErrorSendingData
		return
	}

	var keyIndex uint8
	var data, mic []byte

	if start.Method == wire.MethodUnsecured {
		keyIndex = 0
		data = bundle
	} else {
		keyIndex = 1
		ciphertext, newCounter, err := provcrypto.Encrypt(*node.FactoryKey, s.counter, start.IV, bundle, provcrypto.DataHeader{Hdr: hdr, KeyIndex: keyIndex})
		if err != nil {
			log.Errorf("session %s: encryption failed: %v", s.key, err)
			s.cancelTimer()
			s.status = StatusErrorSendingData
			return
		}
		s.counter = newCounter
		data = ciphertext[:len(ciphertext)-5]
		mic = ciphertext[len(ciphertext)-5:]
	}

	payload := wire.Encode(&wire.DataFrame{Hdr: hdr, KeyIndex: keyIndex, Counter: s.counter, Data: data, MIC: mic})

	if s.sendWithRetry(ctx, payload) {
		log.Infof("session %s: DATA sent (key_index=%d)", s.key, keyIndex)
		s.state = StateWaitResponse
		s.resetTimer()
	} else {
		log.Errorf("session %s: exhausted retries sending DATA", s.key)
		s.cancelTimer()
		s.status = StatusErrorSendingData
	}
}

// sendWithRetry invokes the transport, consuming the session's shared
// retry budget across every send the session ever makes (DATA and NACK
// paths alike; the counter is never reset).
func (s *Session) sendWithRetry(ctx context.Context, payload []byte) bool {
	for {
		code, err := s.sender.Send(ctx, s.gwID, s.sinkID, s.key.SourceAddress,
			s.endpoints.Response.SourceEndpoint, s.endpoints.Response.DestinationEndpoint, qos, payload)
		if err == nil && code == transport.ResultOK {
			return true
		}
		log.Warnf("session %s: send failed (code=%v err=%v), retries left=%d", s.key, code, err, s.retry)
		s.retry--
		if s.retry < 0 {
			return false
		}
	}
}

// updateOrigin adopts the gw/sink of the inbound frame if it carries a
// strictly newer tx_time, so later, closer observations preempt stale ones.
func (s *Session) updateOrigin(env wire.Envelope) {
	if env.TxTime > s.txTime {
		s.txTime = env.TxTime
		s.gwID = env.GatewayID
		s.sinkID = env.SinkID
	}
}

func (s *Session) resetTimer() {
	s.cancelTimer()
	s.timer = time.AfterFunc(s.timeout, s.fireTimeout)
}

func (s *Session) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// fireTimeout is the timer's callback, running on its own goroutine. The
// non-blocking send means a timer that fires after the session has already
// reached a terminal status (a benign race with cancellation) is silently
// dropped instead of leaking this goroutine.
func (s *Session) fireTimeout() {
	select {
	case s.eventQ <- event{kind: eventTimeout}:
	default:
	}
}
