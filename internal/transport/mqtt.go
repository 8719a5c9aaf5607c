package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// MQTTTransport is the one production Transport adapter: it speaks a
// minimal topic convention over MQTT rather than the mesh gateway's own
// wire protocol, which is out of scope here (spec.md §1). Requests arrive
// on gw-request/{sink_id}/{gw_id}; responses are published to
// gw-response/{sink_id}/{gw_id}.
type MQTTTransport struct {
	client         mqtt.Client
	publishTimeout time.Duration
}

// mqttEnvelope is the JSON body carried on both request and response
// topics — a thin wrapper around the binary provisioning frame plus the
// metadata spec.md §6.1 requires alongside it.
type mqttEnvelope struct {
	SourceAddress       *uint32 `json:"source_address,omitempty"`
	SourceEndpoint      uint8   `json:"source_endpoint"`
	DestinationEndpoint uint8   `json:"destination_endpoint"`
	Dest                uint32  `json:"dest,omitempty"`
	QoS                 int     `json:"qos,omitempty"`
	RxTimeMsEpoch       int64   `json:"rx_time_ms_epoch,omitempty"`
	TravelTimeMs        int64   `json:"travel_time_ms,omitempty"`
	Payload             []byte  `json:"data_payload"`
}

// MQTTOptions configures the broker connection for NewMQTTTransport.
type MQTTOptions struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	PublishTimeout time.Duration
}

// NewMQTTTransport connects to the broker described by opts and returns a
// ready-to-use Transport. PublishTimeout bounds how long Send waits for
// the broker to acknowledge a publish before reporting a non-OK result.
func NewMQTTTransport(opts MQTTOptions) (*MQTTTransport, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("transport: mqtt connect: %w", token.Error())
	}

	return &MQTTTransport{client: client, publishTimeout: opts.PublishTimeout}, nil
}

// RegisterUplink subscribes to the request topic for every sink/gateway
// (a wildcard subscription) and decodes each message into a
// ReceivedDataEvent before invoking handler.
func (t *MQTTTransport) RegisterUplink(srcEP, dstEP uint8, handler UplinkHandler) error {
	topic := "gw-request/+/+"
	token := t.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var env mqttEnvelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			log.Warnf("transport: mqtt: dropping malformed uplink message on %s: %v", msg.Topic(), err)
			return
		}
		sinkID, gwID, ok := parseRequestTopic(msg.Topic())
		if !ok {
			log.Warnf("transport: mqtt: dropping uplink message on unparseable topic %s", msg.Topic())
			return
		}
		handler(ReceivedDataEvent{
			SourceAddress:       env.SourceAddress,
			SourceEndpoint:      srcEP,
			DestinationEndpoint: dstEP,
			GatewayID:           gwID,
			SinkID:              sinkID,
			RxTimeMsEpoch:       env.RxTimeMsEpoch,
			TravelTimeMs:        env.TravelTimeMs,
			DataPayload:         env.Payload,
		})
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("transport: mqtt subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Send publishes payload to gw-response/{sinkID}/{gwID}, mapping a
// successful publish acknowledgement to ResultOK and anything else
// (timeout or broker error) to a non-OK result, per spec.md §6.1's
// "send may raise a timeout error, coerced to an internal-error result".
func (t *MQTTTransport) Send(ctx context.Context, gwID, sinkID string, dest uint32, srcEP, dstEP uint8, qos int, payload []byte) (ResultCode, error) {
	env := mqttEnvelope{
		SourceEndpoint:      srcEP,
		DestinationEndpoint: dstEP,
		Dest:                dest,
		QoS:                 qos,
		Payload:             payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return resultInternalError, fmt.Errorf("transport: mqtt: marshal envelope: %w", err)
	}

	topic := fmt.Sprintf("gw-response/%s/%s", sinkID, gwID)
	token := t.client.Publish(topic, byte(qos), false, body)

	deadline := t.publishTimeout
	if deadline == 0 {
		deadline = 10 * time.Second
	}
	if !token.WaitTimeout(deadline) {
		return resultInternalError, fmt.Errorf("transport: mqtt: publish to %s timed out after %s", topic, deadline)
	}
	if err := token.Error(); err != nil {
		return resultInternalError, fmt.Errorf("transport: mqtt: publish to %s: %w", topic, err)
	}
	return ResultOK, nil
}

// Close disconnects the underlying MQTT client.
func (t *MQTTTransport) Close() {
	t.client.Disconnect(250)
}

const resultInternalError ResultCode = 1

func parseRequestTopic(topic string) (sinkID, gwID string, ok bool) {
	const prefix = "gw-request/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := topic[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
