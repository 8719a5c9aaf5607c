package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// legacyNetworkKey identifies a unique network by the four fields the
// original flat config file embedded directly on each node.
type legacyNetworkKey struct {
	address           string
	channel           string
	authenticationKey string
	encryptionKey     string
}

// migrateLegacyToV1 rewrites a pre-version flat config file (one top-level
// map of node name to node fields, with network_address/network_channel/
// authentication_key/encryption_key inlined per node) into the V1 layout
// with networks split out and deduplicated, mirroring
// ConfigFileMigration._update_old_to_v1 from the original data loader.
//
// The original file is preserved next to path with a timestamped ".backup"
// suffix, written with O_EXCL so a migration is never silently re-run over
// a prior backup.
func migrateLegacyToV1(path string, data []byte) error {
	var legacy map[string]map[string]any
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parse legacy config: %w", err)
	}

	if err := backupLegacyFile(path, data); err != nil {
		return err
	}

	networkNames := make(map[legacyNetworkKey]string)
	networks := make(map[string]map[string]any)
	nodes := make(map[string]map[string]any, len(legacy))

	for nodeName, fields := range legacy {
		key := legacyNetworkKey{
			address:           fmt.Sprint(fields["network_address"]),
			channel:           fmt.Sprint(fields["network_channel"]),
			authenticationKey: fmt.Sprint(fields["authentication_key"]),
			encryptionKey:     fmt.Sprint(fields["encryption_key"]),
		}

		name, ok := networkNames[key]
		if !ok {
			name = "network_" + uuid.NewString()
			networkNames[key] = name

			net := map[string]any{
				"authentication_key": fields["authentication_key"],
				"encryption_key":     fields["encryption_key"],
			}
			if v, ok := fields["network_address"]; ok {
				net["address"] = v
			}
			if v, ok := fields["network_channel"]; ok {
				net["channel"] = v
			}
			networks[name] = net
		}

		node := make(map[string]any, len(fields))
		for k, v := range fields {
			switch k {
			case "network_address", "network_channel", "authentication_key", "encryption_key":
				continue
			default:
				node[k] = v
			}
		}
		node["network"] = name
		nodes[nodeName] = node
	}

	migrated := map[string]any{
		"version":  1,
		"networks": networks,
		"nodes":    nodes,
	}

	out, err := yaml.Marshal(migrated)
	if err != nil {
		return fmt.Errorf("marshal migrated config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write migrated config: %w", err)
	}
	return nil
}

func backupLegacyFile(path string, data []byte) error {
	backupPath := fmt.Sprintf("%s-%s.backup", path, time.Now().Format("060102-150405"))
	f, err := os.OpenFile(backupPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create backup %s: %w", backupPath, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write backup %s: %w", backupPath, err)
	}
	return nil
}
