package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidMessage is wrapped with context and returned by Decode whenever
// a frame is malformed. Callers drop the frame and log it; no session is
// created or advanced on a decode error.
var ErrInvalidMessage = errors.New("invalid provisioning message")

const headerLen = 6

// Encode serializes a frame to its wire representation. The counter inside
// a DataFrame is always little-endian.
func Encode(f Frame) []byte {
	hdr := f.Header()
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(f.Type()))
	buf = append(buf, hdr.NodeAddress[:]...)
	buf = append(buf, hdr.SessionID)

	switch m := f.(type) {
	case *StartFrame:
		buf = append(buf, byte(m.Method))
		buf = append(buf, m.IV[:]...)
		buf = append(buf, m.UID...)
	case *DataFrame:
		buf = append(buf, m.KeyIndex)
		var ctr [2]byte
		binary.LittleEndian.PutUint16(ctr[:], m.Counter)
		buf = append(buf, ctr[:]...)
		buf = append(buf, m.Data...)
		buf = append(buf, m.MIC...)
	case *DataAckFrame:
		// empty suffix
	case *NackFrame:
		buf = append(buf, byte(m.Reason))
	}
	return buf
}

// Decode parses raw transport payload bytes (the transport's data_payload
// field — see the Open Question resolved in DESIGN.md) plus envelope
// metadata into a typed Frame.
func Decode(raw []byte, env Envelope) (Frame, error) {
	if len(raw) < headerLen {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrInvalidMessage, len(raw))
	}

	msgType := MessageType(raw[0])
	var hdr Header
	copy(hdr.NodeAddress[:], raw[1:5])
	hdr.SessionID = raw[5]
	suffix := raw[headerLen:]

	switch msgType {
	case MessageSTART:
		return decodeStart(hdr, suffix)
	case MessageDATA:
		return decodeData(hdr, suffix)
	case MessageDATAACK:
		return &DataAckFrame{Hdr: hdr}, nil
	case MessageNACK:
		return decodeNack(hdr, suffix)
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrInvalidMessage, raw[0])
	}
}

func decodeStart(hdr Header, suffix []byte) (*StartFrame, error) {
	if len(suffix) < 1 {
		return nil, fmt.Errorf("%w: START missing method byte", ErrInvalidMessage)
	}
	method := Method(suffix[0])
	if !method.valid() {
		return nil, fmt.Errorf("%w: START method %d invalid", ErrInvalidMessage, suffix[0])
	}
	rest := suffix[1:]
	if len(rest) < 16 {
		return nil, fmt.Errorf("%w: START IV length %d, want 16", ErrInvalidMessage, len(rest))
	}
	iv := rest[:16]
	uid := rest[16:]
	if len(uid) == 0 {
		return nil, fmt.Errorf("%w: START UID empty", ErrInvalidMessage)
	}

	f := &StartFrame{Hdr: hdr, Method: method}
	copy(f.IV[:], iv)
	f.UID = append([]byte(nil), uid...)
	return f, nil
}

func decodeData(hdr Header, suffix []byte) (*DataFrame, error) {
	// key_index(1) ‖ counter(LE16) ‖ data(>=1) ‖ mic(0 or 5)
	const minFixed = 3 // key_index + counter
	if len(suffix) < minFixed+1 {
		return nil, fmt.Errorf("%w: DATA too short", ErrInvalidMessage)
	}
	keyIndex := suffix[0]
	counter := binary.LittleEndian.Uint16(suffix[1:3])
	body := suffix[3:]

	// A MIC only ever accompanies a keyed (non-zero key_index) exchange:
	// key_index 0 means UNSECURED, which never authenticates or encrypts
	// its payload. This is the split point the wire format itself doesn't
	// otherwise carry.
	var data, mic []byte
	if keyIndex == 0 {
		data = body
	} else {
		if len(body) < 6 {
			return nil, fmt.Errorf("%w: DATA too short for mic", ErrInvalidMessage)
		}
		data = body[:len(body)-5]
		mic = body[len(body)-5:]
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: DATA payload empty", ErrInvalidMessage)
	}
	if len(mic) != 0 && len(mic) != 5 {
		return nil, fmt.Errorf("%w: DATA mic length %d, want 0 or 5", ErrInvalidMessage, len(mic))
	}

	return &DataFrame{
		Hdr:      hdr,
		KeyIndex: keyIndex,
		Counter:  counter,
		Data:     append([]byte(nil), data...),
		MIC:      append([]byte(nil), mic...),
	}, nil
}

func decodeNack(hdr Header, suffix []byte) (*NackFrame, error) {
	if len(suffix) < 1 {
		return nil, fmt.Errorf("%w: NACK missing reason byte", ErrInvalidMessage)
	}
	reason := NackReason(suffix[0])
	if !reason.valid() {
		return nil, fmt.Errorf("%w: NACK reason %d invalid", ErrInvalidMessage, suffix[0])
	}
	return &NackFrame{Hdr: hdr, Reason: reason}, nil
}
