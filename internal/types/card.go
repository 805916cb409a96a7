package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Character card schema identifiers accepted by Validate.
const (
	CardSpec        = "chara_card_v3"
	CardSpecVersion = "3.0"
)

// CharacterCard is the versioned envelope of a character definition.
type CharacterCard struct {
	Spec        string   `json:"spec"`
	SpecVersion string   `json:"spec_version"`
	Data        CardData `json:"data"`
}

// CardData holds the persona fields and the attached lorebook.
// All fields are immutable input to compilation.
type CardData struct {
	Name        string `json:"name"`
	Nickname    string `json:"nickname,omitempty"`
	Description string `json:"description"`
	Personality string `json:"personality,omitempty"`
	Scenario    string `json:"scenario,omitempty"`

	SystemPrompt            string `json:"system_prompt,omitempty"`
	PostHistoryInstructions string `json:"post_history_instructions,omitempty"`

	FirstMes           string   `json:"first_mes"`
	AlternateGreetings []string `json:"alternate_greetings,omitempty"`

	CharacterBook *Lorebook `json:"character_book,omitempty"`
}

// Lorebook is a set of conditional knowledge entries plus book-level defaults.
type Lorebook struct {
	Name      string      `json:"name,omitempty"`
	ScanDepth int         `json:"scan_depth,omitempty"` // 0 = scan full text
	Entries   []LoreEntry `json:"entries"`
}

// LoreEntry is one conditional knowledge entry.
// Content may embed @@decorator directives; those are parsed out at match
// time and never reach the model.
type LoreEntry struct {
	Keys          []string `json:"keys"`
	SecondaryKeys []string `json:"secondary_keys,omitempty"`
	Content       string   `json:"content"`

	Enabled   bool `json:"enabled"`
	Constant  bool `json:"constant,omitempty"`
	Selective bool `json:"selective,omitempty"`

	Priority       int `json:"priority,omitempty"`        // higher = earlier
	InsertionOrder int `json:"insertion_order,omitempty"` // tiebreak, ascending

	UseRegex      bool `json:"use_regex,omitempty"`
	CaseSensitive bool `json:"case_sensitive,omitempty"`
}

// Validate checks the card envelope and required persona fields.
func (c *CharacterCard) Validate() error {
	if c.Spec != CardSpec {
		return fmt.Errorf("unsupported card spec %q (want %q)", c.Spec, CardSpec)
	}
	if c.SpecVersion != CardSpecVersion {
		return fmt.Errorf("unsupported card spec_version %q (want %q)", c.SpecVersion, CardSpecVersion)
	}
	if c.Data.Name == "" {
		return fmt.Errorf("card is missing required field: name")
	}
	if c.Data.Description == "" {
		return fmt.Errorf("card is missing required field: description")
	}
	if c.Data.FirstMes == "" {
		return fmt.Errorf("card is missing required field: first_mes")
	}
	return nil
}

// CharName returns the macro substitution target for {{char}}:
// the nickname when set, the name otherwise.
func (d *CardData) CharName() string {
	if d.Nickname != "" {
		return d.Nickname
	}
	return d.Name
}

// Hash computes a SHA-256 digest over the card's canonical JSON encoding.
// Compiled-context caches compare this on read to detect a stale snapshot,
// regardless of which field changed.
func (c *CharacterCard) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the fallback cheap.
		data = []byte(fmt.Sprintf("%+v", c))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
