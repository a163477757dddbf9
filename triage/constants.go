// Package triage holds process-wide defaults shared by the engine packages.
package triage

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "triage"
	DefaultDatabaseType = "libsql"
	DefaultDatabaseFile = "triage.db"

	// UnderObservation is the condition label used whenever the model has not
	// committed to a diagnosis.
	UnderObservation = "under observation"

	// SegmentDelimiter separates the condition label from the advice text in a
	// model reply.
	SegmentDelimiter = "###SEGMENT###"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDatabaseDir = filepath.Join(userDataDir(), DefaultAppName)
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultDatabaseDir, DefaultDatabaseFile)
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
