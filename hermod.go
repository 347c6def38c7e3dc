// Package relay defines the core contracts shared across the MQTT relay:
// logging, the uniform dispatcher contract, and the parser capability
// interface. Concrete implementations live under pkg/ and internal/.
package relay

import (
	"context"

	"github.com/user/mqttrelay/internal/model"
)

// Logger is the narrow logging surface passed down through the ingest sink,
// processor, and dispatchers.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// DispatchResult is the uniform outcome every dispatcher produces, whether
// it returns synchronously or via an async callback.
type DispatchResult struct {
	Status          model.DispatchStatus
	HTTPStatus      *int
	ResponseSnippet string
	// Transient is consulted whenever Dispatch returns a non-nil error: true
	// routes the dispatch row to "retrying", false to the terminal "failed"
	// state.
	Transient bool
}

// Dispatcher delivers one batch of parsed points to a single destination.
// Selection is by ClientDestination.Type. A dispatcher is constructed fresh
// per destination with its decrypted credentials and parsed options.
type Dispatcher interface {
	Dispatch(ctx context.Context, points []model.ParsedPoint) (DispatchResult, error)
	// Asynchronous reports whether this dispatcher only ever returns via a
	// callback passed to an AsyncDispatcher's DispatchAsync, rather than
	// through Dispatch's return value.
	Asynchronous() bool
}

// AsyncCallback is invoked exactly once with the final outcome of an
// asynchronous dispatch.
type AsyncCallback func(ctx context.Context, result DispatchResult, err error)

// AsyncDispatcher is implemented by dispatchers whose Asynchronous() is true.
type AsyncDispatcher interface {
	Dispatcher
	DispatchAsync(ctx context.Context, points []model.ParsedPoint, cb AsyncCallback) error
}

// Parser is the capability interface a registered parser implements:
// transform a decoded payload plus its route's parser_config into a mapping
// from integer metric_id to value. Non-integer keys are not representable
// here (the map key type is int64), so Parse drops them; the processor reads
// the raw parser output instead and folds those keys into meta_json itself.
type Parser interface {
	Parse(payload interface{}, config map[string]interface{}) (map[int64]interface{}, error)
}
