package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Benny93/tracematrix/internal/trace"
)

// CardFileExtensions lists the file extensions ReadCardFile understands.
var CardFileExtensions = []string{".json", ".yaml", ".yml"}

// cardDocument is the wrapped form of a card file. A bare list of cards is
// accepted as well.
type cardDocument struct {
	Cards []trace.Card `json:"cards" yaml:"cards"`
}

// IsCardFile reports whether path has a supported card file extension.
func IsCardFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range CardFileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// CardFileName returns the identity of a card file: its slash-separated path
// relative to root, or its base name when it lies outside root.
func CardFileName(root, path string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(path)
}

// ReadCardFile reads and validates a card file.
func ReadCardFile(path string) ([]trace.Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading card file: %w", err)
	}
	cards, err := ParseCards(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return cards, nil
}

// ParseCards decodes card data in the format implied by ext.
func ParseCards(data []byte, ext string) ([]trace.Card, error) {
	var cards []trace.Card
	switch strings.ToLower(ext) {
	case ".json":
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &cards); err != nil {
				return nil, err
			}
			break
		}
		var doc cardDocument
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		cards = doc.Cards
	case ".yaml", ".yml":
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, err
		}
		if len(node.Content) == 0 {
			return nil, nil
		}
		if node.Content[0].Kind == yaml.SequenceNode {
			if err := node.Content[0].Decode(&cards); err != nil {
				return nil, err
			}
			break
		}
		var doc cardDocument
		if err := node.Content[0].Decode(&doc); err != nil {
			return nil, err
		}
		cards = doc.Cards
	default:
		return nil, fmt.Errorf("unsupported card file extension %q", ext)
	}

	if err := validateCards(cards); err != nil {
		return nil, err
	}
	return cards, nil
}

func validateCards(cards []trace.Card) error {
	seen := make(map[string]bool, len(cards))
	for i, c := range cards {
		if c.ID == "" {
			return fmt.Errorf("card %d has no id", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate card id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}
