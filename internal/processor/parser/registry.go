// Package parser is the content-addressed parser source store: a directory
// keyed by "<name>_<version>" (lowercase, spaces/dots -> underscores), the
// source of truth for parser code (spec §6).
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/user/mqttrelay/internal/model"
)

var slugSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// Slug renders a parser's content-addressed directory name.
func Slug(name, version string) string {
	norm := func(s string) string {
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, " ", "_")
		s = strings.ReplaceAll(s, ".", "_")
		return slugSanitizer.ReplaceAllString(s, "")
	}
	return fmt.Sprintf("%s_%s", norm(name), norm(version))
}

func extensionFor(lang model.ParserLanguage) (string, error) {
	switch lang {
	case model.ParserLangPython:
		return ".py", nil
	case model.ParserLangJS:
		return ".js", nil
	case model.ParserLangBash:
		return ".sh", nil
	default:
		return "", fmt.Errorf("unsupported parser language %q", lang)
	}
}

// Store is a directory of parser source code on local disk.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Put writes a parser's source under its content-addressed slug, creating
// both a bare file and one with the language-specific extension (spec §6).
func (s *Store) Put(p model.Parser, source []byte) error {
	ext, err := extensionFor(p.Language)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, Slug(p.Name, p.Version))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	bare := filepath.Join(dir, "source")
	if err := os.WriteFile(bare, source, 0o644); err != nil {
		return err
	}
	withExt := filepath.Join(dir, "source"+ext)
	return os.WriteFile(withExt, source, 0o644)
}

// Source reads a parser's code back by its catalog row, returning
// ErrLanguageNotHandled-compatible errors for unknown languages.
func (s *Store) Source(p model.Parser) ([]byte, error) {
	ext, err := extensionFor(p.Language)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, Slug(p.Name, p.Version))
	path := filepath.Join(dir, "source"+ext)
	b, err := os.ReadFile(path)
	if err != nil {
		path = filepath.Join(dir, "source")
		b, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}
