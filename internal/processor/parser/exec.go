package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/user/mqttrelay/internal/model"
)

// interpreterFor maps a parser language to the system interpreter invoked
// to run its source file. Parser source is a trusted, versioned artifact
// (spec §4.4 step 4); the relay never executes untrusted script content.
func interpreterFor(lang model.ParserLanguage) (string, error) {
	switch lang {
	case model.ParserLangPython:
		return "python3", nil
	case model.ParserLangJS:
		return "node", nil
	case model.ParserLangBash:
		return "bash", nil
	default:
		return "", fmt.Errorf("%q: %w", lang, errUnsupportedLanguage)
	}
}

var errUnsupportedLanguage = fmt.Errorf("parser: unsupported language")

// ExecParser runs a parser's source file as a subprocess: payload and
// parser_config are passed as a single JSON object on stdin
// ({"payload":..., "config":...}); the script must print a JSON object
// mapping metric_id (as a string key) to a value on stdout.
type ExecParser struct {
	Parser  model.Parser
	Source  []byte
	Timeout time.Duration
}

// Parse implements relay.Parser.
func (e ExecParser) Parse(payload interface{}, config map[string]interface{}) (map[int64]interface{}, error) {
	interp, err := interpreterFor(e.Parser.Language)
	if err != nil {
		return nil, err
	}

	timeout := e.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	input, err := json.Marshal(map[string]interface{}{"payload": payload, "config": config})
	if err != nil {
		return nil, err
	}

	tmp, err := writeScriptTempFile(e.Parser, e.Source)
	if err != nil {
		return nil, err
	}
	defer removeTempFile(tmp)

	cmd := exec.CommandContext(ctx, interp, tmp)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("parser %s/%s failed: %w: %s", e.Parser.Name, e.Parser.Version, err, stderr.String())
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("parser %s/%s produced invalid JSON: %w", e.Parser.Name, e.Parser.Version, err)
	}

	out := make(map[int64]interface{}, len(raw))
	for k, v := range raw {
		var id int64
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			// non-integer keys are metadata, not metric points; callers that
			// need them read the raw map via ParseRaw.
			continue
		}
		out[id] = v
	}
	return out, nil
}

// ParseRaw behaves like Parse but returns the full string-keyed map,
// preserving non-integer keys as metadata for meta_json (spec §4.4 step 5).
func (e ExecParser) ParseRaw(payload interface{}, config map[string]interface{}) (map[string]interface{}, error) {
	interp, err := interpreterFor(e.Parser.Language)
	if err != nil {
		return nil, err
	}
	timeout := e.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	input, err := json.Marshal(map[string]interface{}{"payload": payload, "config": config})
	if err != nil {
		return nil, err
	}
	tmp, err := writeScriptTempFile(e.Parser, e.Source)
	if err != nil {
		return nil, err
	}
	defer removeTempFile(tmp)

	cmd := exec.CommandContext(ctx, interp, tmp)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("parser %s/%s failed: %w: %s", e.Parser.Name, e.Parser.Version, err, stderr.String())
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("parser %s/%s produced invalid JSON: %w", e.Parser.Name, e.Parser.Version, err)
	}
	return raw, nil
}
