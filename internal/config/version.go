package config

import (
	"errors"
	"fmt"
)

// CurrentVersion is the configuration file format this build reads. An
// omitted version means the current one.
const CurrentVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported config version")

// checkVersion rejects any version other than CurrentVersion.
func checkVersion(version int) error {
	switch {
	case version == CurrentVersion:
		return nil
	case version > CurrentVersion:
		return fmt.Errorf("%w: %d is newer than this build (current: %d), upgrade voicebridge", ErrUnsupportedVersion, version, CurrentVersion)
	default:
		return fmt.Errorf("%w: %d (current: %d)", ErrUnsupportedVersion, version, CurrentVersion)
	}
}
