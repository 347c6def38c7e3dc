package parser

import (
	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
)

// NewLoader adapts a Store into the processor's ParserLoader signature: read
// the parser's source from the content store and wrap it as an ExecParser.
func NewLoader(store *Store) func(model.Parser) (relay.Parser, error) {
	return func(p model.Parser) (relay.Parser, error) {
		src, err := store.Source(p)
		if err != nil {
			return nil, err
		}
		return ExecParser{Parser: p, Source: src}, nil
	}
}
