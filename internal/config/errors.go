package config

import "errors"

var (
	ErrUnsupportedVersion     = errors.New("unsupported config version")
	ErrInvalidKeyLength       = errors.New("invalid key length")
	ErrInvalidUIDLength       = errors.New("invalid uid length")
	ErrDuplicateUID           = errors.New("duplicate uid")
	ErrUnknownNetwork         = errors.New("unknown network")
	ErrInvalidMethod          = errors.New("invalid provisioning method")
	ErrMissingFactoryKey      = errors.New("missing factory key")
	ErrMissingUID             = errors.New("missing uid")
	ErrInvalidNodeID          = errors.New("invalid node id")
	ErrInvalidRole            = errors.New("invalid role")
	ErrInvalidUserSpecificKey = errors.New("invalid user_specific key")
)
