package model

import "errors"

// Sentinel error kinds a caller can match with errors.Is.
var (
	// ErrConfig marks a missing required option or unknown distribution method.
	ErrConfig = errors.New("configuration error")
	// ErrSchema marks a required column absent or of the wrong kind.
	ErrSchema = errors.New("schema error")
	// ErrParse marks an unparseable JSON/label payload or timestamp.
	ErrParse = errors.New("parse error")
	// ErrSink marks a downstream sink failure (fatal, rolls back in incremental-write mode).
	ErrSink = errors.New("sink error")
)
