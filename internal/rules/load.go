package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

type document struct {
	Spells []Entry `json:"spells"`
	Spell  []Spell `json:"spell"`
}

// Load decodes a rules document. Both the converted {"spells": [...]} format and the raw compendium
// {"spell": [...]} format are accepted; raw spells are converted with ConvertSpell.
func Load(r io.Reader) ([]Entry, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}

	entries := make([]Entry, 0, len(doc.Spells)+len(doc.Spell))
	entries = append(entries, doc.Spells...)
	for _, s := range doc.Spell {
		entries = append(entries, ConvertSpell(s))
	}
	if len(entries) == 0 {
		return nil, errors.New("rules document has no entries")
	}
	return entries, nil
}

// LoadFile reads a rules document from path.
func LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	return Load(f)
}
