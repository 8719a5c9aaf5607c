// Package transport defines the gateway transport capability consumed by
// the session state machine and router: registering an uplink handler for
// inbound frames, and sending outbound frames with a gateway result code.
package transport

import (
	"context"
	"fmt"
)

// ResultCode mirrors a gateway's send result. ResultOK is the only success
// value; every other value (including transport-specific ones) is treated
// uniformly as a failure by the session state machine.
type ResultCode int

// ResultOK is the single success value a Transport.Send can return.
const ResultOK ResultCode = 0

func (r ResultCode) String() string {
	if r == ResultOK {
		return "GW_RES_OK"
	}
	return fmt.Sprintf("GW_RES_%d", int(r))
}

// Endpoints is a request/response endpoint pair. Inbound traffic arrives on
// Request; outbound DATA/NACK frames are sent on Response.
type Endpoints struct {
	Request  EndpointPair
	Response EndpointPair
}

// EndpointPair is a (source, destination) endpoint pair as carried on the
// wire — historically 255/246 on send and 246/255 on receive.
type EndpointPair struct {
	SourceEndpoint      uint8
	DestinationEndpoint uint8
}

// ReceivedDataEvent is an inbound frame delivered by the transport, prior
// to wire decoding.
type ReceivedDataEvent struct {
	SourceAddress       *uint32
	SourceEndpoint      uint8
	DestinationEndpoint uint8
	GatewayID           string
	SinkID              string
	RxTimeMsEpoch       int64
	TravelTimeMs        int64
	DataPayload         []byte
}

// UplinkHandler processes one inbound frame.
type UplinkHandler func(ReceivedDataEvent)

// Transport is the capability the server shell and session state machine
// depend on: registering interest in inbound traffic on an endpoint pair,
// and sending an outbound payload with a gateway result code.
type Transport interface {
	RegisterUplink(srcEP, dstEP uint8, handler UplinkHandler) error
	Send(ctx context.Context, gwID, sinkID string, dest uint32, srcEP, dstEP uint8, qos int, payload []byte) (ResultCode, error)
}
