// Package catalog holds the fixed, ordered list of canned messages an operator
// can ask the avatar to speak.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

//go:embed default_messages.json
var defaultMessages []byte

var (
	// ErrEmptyCatalog is returned when a catalog source holds no messages.
	ErrEmptyCatalog = errors.New("catalog: no messages")

	// ErrEmptyEntry is returned when a message is blank after trimming.
	ErrEmptyEntry = errors.New("catalog: blank message")
)

// Entry is one message with its position. Label is the 1-based number shown
// on the control surface.
type Entry struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Catalog is an immutable, ordered list of messages. Indexes never change for
// the lifetime of a Catalog value.
type Catalog struct {
	entries []Entry
}

// New builds a catalog from texts in order.
func New(texts []string) (*Catalog, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyCatalog
	}

	entries := make([]Entry, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w at position %d", ErrEmptyEntry, i+1)
		}
		entries[i] = Entry{
			Index: i,
			Label: strconv.Itoa(i + 1),
			Text:  text,
		}
	}

	return &Catalog{entries: entries}, nil
}

// Load reads a catalog file. YAML is used for .yaml and .yml files; anything
// else is parsed as JSON, with comments and trailing commas allowed.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var texts []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		texts, err = decodeYAML(data)
	default:
		texts, err = decodeJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	return New(texts)
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	texts, err := decodeJSON(defaultMessages)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded messages are invalid: %v", err))
	}
	c, err := New(texts)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded messages are invalid: %v", err))
	}
	return c
}

func decodeJSON(data []byte) ([]string, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	var texts []string
	if err := json.Unmarshal(std, &texts); err != nil {
		return nil, err
	}
	return texts, nil
}

func decodeYAML(data []byte) ([]string, error) {
	var texts []string
	if err := yaml.Unmarshal(data, &texts); err != nil {
		return nil, err
	}
	return texts, nil
}

// Len returns the number of messages.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// At returns the entry at index i.
func (c *Catalog) At(i int) (Entry, bool) {
	if i < 0 || i >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Entries returns a copy of all entries in order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
