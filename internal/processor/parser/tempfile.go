package parser

import (
	"os"

	"github.com/user/mqttrelay/internal/model"
)

func writeScriptTempFile(p model.Parser, source []byte) (string, error) {
	ext, err := extensionFor(p.Language)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "relay-parser-*"+ext)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(source); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeTempFile(path string) {
	if path != "" {
		os.Remove(path)
	}
}
