package config

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("config: build canonical cbor encoder: %v", err))
	}
	return mode
}()

// CanonicalCBOR encodes the node's provisioning bundle as the reserved-key
// CBOR map described in the configuration file format: network keys under
// 0/1, network address/channel under 2/3, node id and role under 4/5, and
// any user_specific entries carried through verbatim under 128..255.
//
// Canonical encoding mode is used so the byte string handed to the MIC and
// encryption steps is stable regardless of Go's randomized map iteration
// order.
func (n *Node) CanonicalCBOR() ([]byte, error) {
	bundle := make(map[int]any, 6+len(n.UserSpecific))

	bundle[0] = n.Network.EncryptionKey[:]
	bundle[1] = n.Network.AuthenticationKey[:]

	if n.Network.Address != nil {
		bundle[2] = *n.Network.Address
	}
	if n.Network.Channel != nil {
		bundle[3] = *n.Network.Channel
	}
	if n.NodeID != nil {
		bundle[4] = *n.NodeID
	}
	if n.Role != nil {
		bundle[5] = []byte{*n.Role}
	}
	for k, v := range n.UserSpecific {
		bundle[k] = v
	}

	out, err := cborEncMode.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("config: encode provisioning bundle: %w", err)
	}
	return out, nil
}
