package config

import "gopkg.in/yaml.v3"

// Scalar holds a YAML node value that may be written as either a quoted
// hex string ("0xAA...") or a bare integer literal, matching the config
// file's own "hex-string or int" convention (spec.md §6.4). It defers
// interpretation to convertToBytes, which applies the same 0x-prefix rule
// the original data loader used. An integer is therefore decoded as bytes
// only when written in 0x hex form; a decimal integer is taken as the
// UTF-8 bytes of its digits, not as a number.
type Scalar struct {
	text string
	set  bool
}

func (s Scalar) String() string { return s.text }

// IsSet reports whether the YAML document supplied a value for this field.
func (s Scalar) IsSet() bool { return s.set }

func (s *Scalar) UnmarshalYAML(value *yaml.Node) error {
	s.text = value.Value
	s.set = true
	return nil
}
