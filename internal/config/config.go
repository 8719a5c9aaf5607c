// Package config loads the immutable node/network whitelist consumed by
// the provisioning session state machine.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"wmprov/internal/wire"
)

// rawFile is the on-disk V1 YAML shape.
type rawFile struct {
	Version  int                    `yaml:"version"`
	Networks map[string]rawNetwork  `yaml:"networks"`
	Nodes    map[string]rawNode     `yaml:"nodes"`
}

type rawNetwork struct {
	Address           *int   `yaml:"address"`
	Channel           *int   `yaml:"channel"`
	AuthenticationKey Scalar `yaml:"authentication_key"`
	EncryptionKey     Scalar `yaml:"encryption_key"`
}

type rawNode struct {
	Network              string      `yaml:"network"`
	Method               int         `yaml:"method"`
	UID                  Scalar      `yaml:"uid"`
	AuthenticatorUIDType *int        `yaml:"authenticator_uid_type"`
	AuthenticatorUID     Scalar      `yaml:"authenticator_uid"`
	NodeUIDType          *int        `yaml:"node_uid_type"`
	NodeUID              Scalar      `yaml:"node_uid"`
	NodeID               *int        `yaml:"node_id"`
	FactoryKey           Scalar      `yaml:"factory_key"`
	Role                 *int        `yaml:"role"`
	UserSpecific         map[int]any `yaml:"user_specific"`
}

// Network is the immutable in-memory description of one mesh network.
type Network struct {
	Name              string
	Address           *uint32
	Channel           *uint8
	AuthenticationKey [16]byte
	EncryptionKey     [16]byte
}

// Node is the immutable whitelist entry for a single provisionable device.
type Node struct {
	UID          []byte
	Method       wire.Method
	FactoryKey   *[32]byte // nil when no factory_key is given (allowed only for UNSECURED)
	NodeID       *uint32
	Role         *uint8
	UserSpecific map[int]any
	Network      *Network
}

// Config is the fully validated, immutable configuration tree.
type Config struct {
	Networks map[string]*Network
	nodes    map[string]*Node // keyed by canonical (string) UID bytes
}

// Lookup returns the node whitelisted under uid, if any.
func (c *Config) Lookup(uid []byte) (*Node, bool) {
	n, ok := c.nodes[string(uid)]
	return n, ok
}

// Load reads and validates the configuration at path, transparently
// migrating a legacy (no "version" key) file to the V1 layout first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if _, hasVersion := probe["version"]; !hasVersion {
		if err := migrateLegacyToV1(path, data); err != nil {
			return nil, fmt.Errorf("config: migrate %s: %w", path, err)
		}
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: re-read migrated %s: %w", path, err)
		}
	}

	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if raw.Version != 1 {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, raw.Version)
	}

	return build(raw)
}

func build(raw rawFile) (*Config, error) {
	cfg := &Config{
		Networks: make(map[string]*Network, len(raw.Networks)),
		nodes:    make(map[string]*Node, len(raw.Nodes)),
	}

	for name, rn := range raw.Networks {
		net, err := convertNetwork(name, rn)
		if err != nil {
			return nil, err
		}
		cfg.Networks[name] = net
	}

	for name, rnode := range raw.Nodes {
		node, err := convertNode(name, rnode, cfg.Networks)
		if err != nil {
			return nil, err
		}
		key := string(node.UID)
		if _, dup := cfg.nodes[key]; dup {
			return nil, fmt.Errorf("%w: uid %x used by more than one node", ErrDuplicateUID, node.UID)
		}
		cfg.nodes[key] = node
	}

	return cfg, nil
}

func convertNetwork(name string, rn rawNetwork) (*Network, error) {
	authKey, err := convertToBytes(rn.AuthenticationKey.String())
	if err != nil {
		return nil, fmt.Errorf("network %s: authentication_key: %w", name, err)
	}
	if len(authKey) != 16 {
		return nil, fmt.Errorf("%w: network %s authentication_key must be 16 bytes, got %d", ErrInvalidKeyLength, name, len(authKey))
	}
	encKey, err := convertToBytes(rn.EncryptionKey.String())
	if err != nil {
		return nil, fmt.Errorf("network %s: encryption_key: %w", name, err)
	}
	if len(encKey) != 16 {
		return nil, fmt.Errorf("%w: network %s encryption_key must be 16 bytes, got %d", ErrInvalidKeyLength, name, len(encKey))
	}

	net := &Network{Name: name}
	copy(net.AuthenticationKey[:], authKey)
	copy(net.EncryptionKey[:], encKey)

	if rn.Address != nil {
		a := uint32(*rn.Address)
		net.Address = &a
	}
	if rn.Channel != nil {
		c := uint8(*rn.Channel)
		net.Channel = &c
	}
	return net, nil
}

var allowedRoles = map[uint8]struct{}{
	0x01: {}, 0x02: {}, 0x03: {}, 0x11: {}, 0x12: {}, 0x13: {}, 0x82: {}, 0x83: {}, 0x92: {}, 0x93: {},
}

func convertNode(name string, rn rawNode, networks map[string]*Network) (*Node, error) {
	net, ok := networks[rn.Network]
	if !ok {
		return nil, fmt.Errorf("%w: node %s references unknown network %q", ErrUnknownNetwork, name, rn.Network)
	}

	method := wire.Method(rn.Method)
	if method != wire.MethodUnsecured && method != wire.MethodSecured && method != wire.MethodExtended {
		return nil, fmt.Errorf("%w: node %s method %d", ErrInvalidMethod, name, rn.Method)
	}

	uid, err := resolveUID(name, rn)
	if err != nil {
		return nil, err
	}
	if len(uid) < 1 || len(uid) > 79 {
		return nil, fmt.Errorf("%w: node %s uid length %d", ErrInvalidUIDLength, name, len(uid))
	}

	node := &Node{
		UID:          uid,
		Method:       method,
		Network:      net,
		UserSpecific: rn.UserSpecific,
	}

	if rn.FactoryKey.IsSet() {
		fk, err := convertToBytes(rn.FactoryKey.String())
		if err != nil {
			return nil, fmt.Errorf("node %s: factory_key: %w", name, err)
		}
		if len(fk) != 32 {
			return nil, fmt.Errorf("%w: node %s factory_key must be 32 bytes, got %d", ErrInvalidKeyLength, name, len(fk))
		}
		var arr [32]byte
		copy(arr[:], fk)
		node.FactoryKey = &arr
	} else if method != wire.MethodUnsecured {
		return nil, fmt.Errorf("%w: node %s method %d requires factory_key", ErrMissingFactoryKey, name, rn.Method)
	}

	if rn.NodeID != nil {
		id := uint32(*rn.NodeID)
		if !validNodeID(id) {
			return nil, fmt.Errorf("%w: node %s node_id 0x%08X out of range", ErrInvalidNodeID, name, id)
		}
		node.NodeID = &id
	}

	if rn.Role != nil {
		roleByte := uint8(*rn.Role)
		if _, ok := allowedRoles[roleByte]; !ok {
			return nil, fmt.Errorf("%w: node %s role 0x%02X not allowed", ErrInvalidRole, name, roleByte)
		}
		node.Role = &roleByte
	}

	for k := range rn.UserSpecific {
		if k < 128 || k > 255 {
			return nil, fmt.Errorf("%w: node %s user_specific key %d", ErrInvalidUserSpecificKey, name, k)
		}
	}

	return node, nil
}

func resolveUID(name string, rn rawNode) ([]byte, error) {
	if rn.UID.IsSet() {
		return convertToBytes(rn.UID.String())
	}
	if wire.Method(rn.Method) != wire.MethodExtended {
		return nil, fmt.Errorf("%w: node %s must include uid", ErrMissingUID, name)
	}
	if rn.AuthenticatorUIDType == nil || !rn.AuthenticatorUID.IsSet() || rn.NodeUIDType == nil || !rn.NodeUID.IsSet() {
		return nil, fmt.Errorf("%w: node %s must include extended uid fields", ErrMissingUID, name)
	}
	authUIDType := byte(*rn.AuthenticatorUIDType)
	nodeUIDType := byte(*rn.NodeUIDType)

	authUID, err := convertToBytes(rn.AuthenticatorUID.String())
	if err != nil {
		return nil, fmt.Errorf("node %s: authenticator_uid: %w", name, err)
	}
	if len(authUID) != 16 {
		return nil, fmt.Errorf("%w: node %s authenticator_uid must be 16 bytes", ErrInvalidUIDLength, name)
	}
	nodeUID, err := convertToBytes(rn.NodeUID.String())
	if err != nil {
		return nil, fmt.Errorf("node %s: node_uid: %w", name, err)
	}
	if len(nodeUID) != 16 {
		return nil, fmt.Errorf("%w: node %s node_uid must be 16 bytes", ErrInvalidUIDLength, name)
	}

	out := make([]byte, 0, 34)
	out = append(out, authUIDType)
	out = append(out, authUID...)
	out = append(out, nodeUIDType)
	out = append(out, nodeUID...)
	return out, nil
}

func validNodeID(id uint32) bool {
	return (id >= 0x00000001 && id <= 0x7FFFFFFF) || (id >= 0x81000000 && id <= 0xFFFFFFFD)
}
