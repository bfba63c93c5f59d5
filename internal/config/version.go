package config

import "fmt"

// CurrentVersion is the config file format this build reads.
const CurrentVersion = 1

// VersionError reports a config file whose version key this build cannot
// read.
type VersionError struct {
	Path    string
	Version int
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Version <= 0:
		return fmt.Sprintf("%s: missing top-level `version` key; add `version: %d`", e.Path, CurrentVersion)
	case e.Version > CurrentVersion:
		return fmt.Sprintf("%s: config version %d needs a newer conduit (this build reads version %d)", e.Path, e.Version, CurrentVersion)
	default:
		return fmt.Sprintf("%s: config version %d is no longer read; migrate it to version %d", e.Path, e.Version, CurrentVersion)
	}
}

// Missing reports whether the file had no usable version key.
func (e *VersionError) Missing() bool {
	return e != nil && e.Version <= 0
}

// Newer reports whether the file was written for a later conduit.
func (e *VersionError) Newer() bool {
	return e != nil && e.Version > CurrentVersion
}

func checkVersion(path string, version int) error {
	if version == CurrentVersion {
		return nil
	}
	return &VersionError{Path: path, Version: version}
}
