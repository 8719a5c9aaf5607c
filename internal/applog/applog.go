// Package applog configures the process-wide logrus logger the same way
// across the server shell and every internal package: a full-timestamp
// text formatter, with the level controlled by an environment variable.
package applog

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// LevelEnvVar is read once at startup to set the logrus level.
const LevelEnvVar = "WM_PROV_LOG_LEVEL"

// Init sets up logrus's formatter and level. Call once from main before any
// other package logs.
func Init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level := log.InfoLevel
	if raw, ok := os.LookupEnv(LevelEnvVar); ok {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		} else {
			log.Warnf("applog: invalid %s=%q, defaulting to info", LevelEnvVar, raw)
		}
	}
	log.SetLevel(level)
}
