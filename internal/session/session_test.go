package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wmprov/internal/config"
	"wmprov/internal/transport"
	"wmprov/internal/wire"
)

type sentFrame struct {
	gwID, sinkID string
	dest         uint32
	srcEP, dstEP uint8
	qos          int
	payload      []byte
}

type fakeSender struct {
	mu      sync.Mutex
	results []transport.ResultCode
	errs    []error
	sent    []sentFrame
}

func (f *fakeSender) Send(_ context.Context, gwID, sinkID string, dest uint32, srcEP, dstEP uint8, qos int, payload []byte) (transport.ResultCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{gwID, sinkID, dest, srcEP, dstEP, qos, append([]byte(nil), payload...)})

	idx := len(f.sent) - 1
	if idx < len(f.results) {
		return f.results[idx], f.errs[idx]
	}
	return transport.ResultOK, nil
}

func (f *fakeSender) calls() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

func testEndpoints() transport.Endpoints {
	return transport.Endpoints{
		Request:  transport.EndpointPair{SourceEndpoint: 246, DestinationEndpoint: 255},
		Response: transport.EndpointPair{SourceEndpoint: 255, DestinationEndpoint: 246},
	}
}

func buildConfig(t *testing.T) *config.Config {
	t.Helper()
	body := `
version: 1
networks:
  office:
    authentication_key: "0xFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"
    encryption_key: "0xAABBCCDDAABBCCDDAABBCCDDAABBCCDD"
nodes:
  secured:
    network: office
    method: 1
    uid: "0x00111213"
    factory_key: "0xAA99AA99AA99AA99AA99AA99AA99AA99AA99AA99AA99AA99AA99AA99AA99AA99"
  unsecured:
    network: office
    method: 0
    uid: "0xAABBCC"
`
	dir := t.TempDir()
	path := dir + "/provisioning.yml"
	writeFile(t, path, body)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newFinishCollector() (FinishFunc, chan struct {
	key Key
	st  Status
}) {
	ch := make(chan struct {
		key Key
		st  Status
	}, 1)
	return func(k Key, st Status) {
		ch <- struct {
			key Key
			st  Status
		}{k, st}
	}, ch
}

func TestUnknownUIDYieldsNackAndTerminalStatus(t *testing.T) {
	cfg := buildConfig(t)
	sender := &fakeSender{}
	finish, done := newFinishCollector()

	key := Key{SourceAddress: 0xCAFEBABE, NodeAddress: [4]byte{1, 2, 3, 4}, SessionID: 0x42}
	s := New(key, Options{Config: cfg, Sender: sender, Endpoints: testEndpoints()}, finish)
	go s.Run(context.Background())

	start := &wire.StartFrame{
		Hdr:    wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID},
		Method: wire.MethodUnsecured,
		UID:    []byte{0xDE, 0xAD},
	}
	s.Enqueue(start, wire.Envelope{})

	result := <-done
	require.Equal(t, StatusErrorNotAuthorized, result.st)

	calls := sender.calls()
	require.Len(t, calls, 1)
	decoded, err := wire.Decode(calls[0].payload, wire.Envelope{})
	require.NoError(t, err)
	nack, ok := decoded.(*wire.NackFrame)
	require.True(t, ok)
	require.Equal(t, wire.NackNotAuthorized, nack.Reason)
}

func TestMethodMismatchYieldsNackMethodNotSupported(t *testing.T) {
	cfg := buildConfig(t)
	sender := &fakeSender{}
	finish, done := newFinishCollector()

	key := Key{SourceAddress: 1, NodeAddress: [4]byte{1, 1, 1, 1}, SessionID: 1}
	s := New(key, Options{Config: cfg, Sender: sender, Endpoints: testEndpoints()}, finish)
	go s.Run(context.Background())

	start := &wire.StartFrame{
		Hdr:    wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID},
		Method: wire.MethodUnsecured, // node "secured" whitelists method 1
		UID:    []byte{0x00, 0x11, 0x12, 0x13},
	}
	s.Enqueue(start, wire.Envelope{})

	result := <-done
	require.Equal(t, StatusErrorNotAuthorized, result.st)

	decoded, err := wire.Decode(sender.calls()[0].payload, wire.Envelope{})
	require.NoError(t, err)
	require.Equal(t, wire.NackMethodNotSupported, decoded.(*wire.NackFrame).Reason)
}

func TestHappyPathSecuredSendsEncryptedDataAndSucceeds(t *testing.T) {
	cfg := buildConfig(t)
	sender := &fakeSender{}
	finish, done := newFinishCollector()

	key := Key{SourceAddress: 0xCAFEBABE, NodeAddress: [4]byte{1, 2, 3, 4}, SessionID: 0x42}
	s := New(key, Options{Config: cfg, Sender: sender, Endpoints: testEndpoints()}, finish)
	go s.Run(context.Background())

	var iv [16]byte
	start := &wire.StartFrame{
		Hdr:    wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID},
		Method: wire.MethodSecured,
		IV:     iv,
		UID:    []byte{0x00, 0x11, 0x12, 0x13},
	}
	s.Enqueue(start, wire.Envelope{TxTime: 1000, GatewayID: "g1", SinkID: "s1"})

	require.Eventually(t, func() bool { return len(sender.calls()) == 1 }, time.Second, time.Millisecond)

	decoded, err := wire.Decode(sender.calls()[0].payload, wire.Envelope{})
	require.NoError(t, err)
	data, ok := decoded.(*wire.DataFrame)
	require.True(t, ok)
	require.Equal(t, uint8(1), data.KeyIndex)
	require.Len(t, data.MIC, 5)

	s.Enqueue(&wire.DataAckFrame{Hdr: wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID}}, wire.Envelope{})

	result := <-done
	require.Equal(t, StatusSuccess, result.st)
}

func TestUnsecuredPathHasNoMIC(t *testing.T) {
	cfg := buildConfig(t)
	sender := &fakeSender{}
	finish, done := newFinishCollector()

	key := Key{SourceAddress: 1, NodeAddress: [4]byte{9, 9, 9, 9}, SessionID: 7}
	s := New(key, Options{Config: cfg, Sender: sender, Endpoints: testEndpoints()}, finish)
	go s.Run(context.Background())

	start := &wire.StartFrame{
		Hdr:    wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID},
		Method: wire.MethodUnsecured,
		UID:    []byte{0xAA, 0xBB, 0xCC},
	}
	s.Enqueue(start, wire.Envelope{})

	require.Eventually(t, func() bool { return len(sender.calls()) == 1 }, time.Second, time.Millisecond)
	decoded, err := wire.Decode(sender.calls()[0].payload, wire.Envelope{})
	require.NoError(t, err)
	data := decoded.(*wire.DataFrame)
	require.Equal(t, uint8(0), data.KeyIndex)
	require.Empty(t, data.MIC)

	s.Enqueue(&wire.DataAckFrame{Hdr: wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID}}, wire.Envelope{})
	result := <-done
	require.Equal(t, StatusSuccess, result.st)
}

func TestTimeoutYieldsErrorNoResponse(t *testing.T) {
	cfg := buildConfig(t)
	sender := &fakeSender{}
	finish, done := newFinishCollector()

	key := Key{SourceAddress: 1, NodeAddress: [4]byte{9, 9, 9, 9}, SessionID: 7}
	s := New(key, Options{Config: cfg, Sender: sender, Endpoints: testEndpoints(), Timeout: 10 * time.Millisecond}, finish)
	go s.Run(context.Background())

	start := &wire.StartFrame{
		Hdr:    wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID},
		Method: wire.MethodUnsecured,
		UID:    []byte{0xAA, 0xBB, 0xCC},
	}
	s.Enqueue(start, wire.Envelope{})

	result := <-done
	require.Equal(t, StatusErrorNoResponse, result.st)
}

func TestRetransmissionIncrementsCounterAndRestartsTimer(t *testing.T) {
	cfg := buildConfig(t)
	sender := &fakeSender{}
	finish, done := newFinishCollector()

	key := Key{SourceAddress: 0xCAFEBABE, NodeAddress: [4]byte{1, 2, 3, 4}, SessionID: 0x42}
	s := New(key, Options{Config: cfg, Sender: sender, Endpoints: testEndpoints(), Timeout: time.Minute}, finish)
	go s.Run(context.Background())

	var iv [16]byte
	start := &wire.StartFrame{
		Hdr:    wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID},
		Method: wire.MethodSecured,
		IV:     iv,
		UID:    []byte{0x00, 0x11, 0x12, 0x13},
	}
	s.Enqueue(start, wire.Envelope{})
	require.Eventually(t, func() bool { return len(sender.calls()) == 1 }, time.Second, time.Millisecond)

	s.Enqueue(start, wire.Envelope{})
	require.Eventually(t, func() bool { return len(sender.calls()) == 2 }, time.Second, time.Millisecond)

	first, err := wire.Decode(sender.calls()[0].payload, wire.Envelope{})
	require.NoError(t, err)
	second, err := wire.Decode(sender.calls()[1].payload, wire.Envelope{})
	require.NoError(t, err)
	require.Equal(t, first.(*wire.DataFrame).Counter+1, second.(*wire.DataFrame).Counter)

	s.Enqueue(&wire.DataAckFrame{Hdr: wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID}}, wire.Envelope{})
	<-done
}

func TestOriginUpdateAdoptsNewerTxTime(t *testing.T) {
	cfg := buildConfig(t)
	sender := &fakeSender{}
	finish, done := newFinishCollector()

	key := Key{SourceAddress: 1, NodeAddress: [4]byte{9, 9, 9, 9}, SessionID: 7}
	s := New(key, Options{Config: cfg, Sender: sender, Endpoints: testEndpoints()}, finish)
	go s.Run(context.Background())

	start := &wire.StartFrame{
		Hdr:    wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID},
		Method: wire.MethodUnsecured,
		UID:    []byte{0xAA, 0xBB, 0xCC},
	}
	s.Enqueue(start, wire.Envelope{TxTime: 100, GatewayID: "g-old", SinkID: "s-old"})
	require.Eventually(t, func() bool { return len(sender.calls()) == 1 }, time.Second, time.Millisecond)

	s.Enqueue(&wire.DataAckFrame{Hdr: wire.Header{NodeAddress: key.NodeAddress, SessionID: key.SessionID}}, wire.Envelope{TxTime: 200, GatewayID: "g-new", SinkID: "s-new"})
	<-done

	require.Equal(t, "g-new", s.gwID)
	require.Equal(t, "s-new", s.sinkID)
}
