// Package processor implements the per-message pipeline: resolve sender,
// select a route, parse the payload, persist the extraction, and dispatch
// to every destination the winning rule fans out to.
package processor

import "errors"

// Per-message errors. These are caught in the batch loop and logged; they
// never abort a run (spec §7).
var (
	ErrTopicNotFound      = errors.New("processor: topic not found")
	ErrDisabledTopic      = errors.New("processor: topic disabled")
	ErrDeviceNotFound     = errors.New("processor: device not found")
	ErrClientNotFound     = errors.New("processor: client not found")
	ErrNoRouteFound       = errors.New("processor: no route found")
	ErrBadParserConfig    = errors.New("processor: bad parser config")
	ErrLanguageNotHandled = errors.New("processor: parser language not handled")
	ErrParserCodeNotFound = errors.New("processor: parser code not found")
)
