// Package compiler implements the two-phase prompt pipeline: a per-conversation
// static compile of persona fields and constant lore (cacheable), and a
// per-turn assembly that reacts to live message content.
//
// The split exists because persona text and constant lore never change within
// a conversation, while dynamic lore activation and macro seeds depend on the
// current turn. Compilation is a deterministic pure function of its inputs,
// so concurrent cache misses are safe to resolve by last-writer-wins.
package compiler

import (
	"fmt"
	"time"

	"loreweave/internal/logging"
	"loreweave/internal/lorebook"
	"loreweave/internal/macro"
	"loreweave/internal/types"
)

// CompiledLoreEntry is one constant lore entry resolved at compile time:
// decorator role plus macro-processed clean content.
type CompiledLoreEntry struct {
	Role    types.Role `json:"role"`
	Content string     `json:"content"`
}

// CompiledContext is the cached result of resolving a persona's static text
// fields and constant lore. It is JSON-serializable; callers persist it
// alongside the conversation and re-supply it on later turns. The engine
// never mutates it outside CompileStaticContext.
type CompiledContext struct {
	CharacterName     string `json:"character_name"`
	CharacterNickname string `json:"character_nickname,omitempty"`
	UserName          string `json:"user_name"`

	Description             string `json:"description"`
	Personality             string `json:"personality,omitempty"`
	Scenario                string `json:"scenario,omitempty"`
	SystemPrompt            string `json:"system_prompt,omitempty"`
	PostHistoryInstructions string `json:"post_history_instructions,omitempty"`
	Greeting                string `json:"greeting"`

	ConstantLorebookEntries []CompiledLoreEntry `json:"constant_lorebook_entries,omitempty"`

	// DynamicLorebook holds the persona's non-constant entries so per-turn
	// assembly can run from the compiled blob alone.
	DynamicLorebook *types.Lorebook `json:"dynamic_lorebook,omitempty"`

	// PersonaHash is a SHA-256 of the source card's canonical JSON. Caches
	// compare it on read to detect a stale snapshot regardless of which
	// field changed.
	PersonaHash string    `json:"persona_hash"`
	CompiledAt  time.Time `json:"compiled_at"`
}

// ContextCompiler resolves persona fields and constant lore through the
// macro processor and lorebook engine. Stateless across calls; safe for
// concurrent use.
type ContextCompiler struct {
	macros *macro.Processor
	lore   *lorebook.Engine
}

// NewContextCompiler creates a compiler sharing the given sub-components.
func NewContextCompiler(macros *macro.Processor, lore *lorebook.Engine) *ContextCompiler {
	return &ContextCompiler{macros: macros, lore: lore}
}

// CompileStaticContext resolves card's persona fields and constant lore for
// one conversation. greetingIndex 0 selects the first greeting; index N
// selects alternate greeting N-1, falling back to the first greeting when
// out of range.
func (c *ContextCompiler) CompileStaticContext(card *types.CharacterCard, userName string, greetingIndex int) (*CompiledContext, error) {
	timer := logging.StartTimer(logging.CategoryCompile, "ContextCompiler.CompileStaticContext")
	defer timer.Stop()

	if card == nil {
		return nil, fmt.Errorf("character card is required")
	}

	data := &card.Data
	charName := data.CharName()
	mctx := types.MacroContext{CharName: charName, UserName: userName}

	compiled := &CompiledContext{
		CharacterName:     charName,
		CharacterNickname: data.Nickname,
		UserName:          userName,

		Description:             c.macros.Process(data.Description, mctx),
		Personality:             c.macros.Process(data.Personality, mctx),
		Scenario:                c.macros.Process(data.Scenario, mctx),
		SystemPrompt:            c.macros.Process(data.SystemPrompt, mctx),
		PostHistoryInstructions: c.macros.Process(data.PostHistoryInstructions, mctx),
		Greeting:                c.macros.Process(selectGreeting(data, greetingIndex), mctx),

		PersonaHash: card.Hash(),
		CompiledAt:  time.Now().UTC(),
	}

	if book := data.CharacterBook; book != nil {
		compiled.ConstantLorebookEntries = c.compileConstantEntries(book, mctx)
		compiled.DynamicLorebook = dynamicOnly(book)
	}

	logging.CompileDebug("compiled static context for %q: %d constant entries",
		charName, len(compiled.ConstantLorebookEntries))
	return compiled, nil
}

// compileConstantEntries resolves every enabled constant entry through the
// lorebook engine one entry at a time, which centralizes decorator parsing.
// Results keep source iteration order; they are not re-sorted against
// dynamic entries at assembly time.
func (c *ContextCompiler) compileConstantEntries(book *types.Lorebook, mctx types.MacroContext) []CompiledLoreEntry {
	var out []CompiledLoreEntry
	for _, entry := range book.Entries {
		if !entry.Enabled || !entry.Constant {
			continue
		}

		singleton := &types.Lorebook{ScanDepth: book.ScanDepth, Entries: []types.LoreEntry{entry}}
		matches := c.lore.FindMatches(singleton, lorebook.ScanContext{})
		if len(matches) == 0 {
			// Rejected by @@dont_activate or an activation throttle.
			continue
		}

		role := types.RoleSystem
		if matches[0].Decorators.Role != nil {
			role = *matches[0].Decorators.Role
		}
		out = append(out, CompiledLoreEntry{
			Role:    role,
			Content: c.macros.Process(matches[0].ProcessedContent, mctx),
		})
	}
	return out
}

// selectGreeting picks the greeting for greetingIndex. Out-of-range indices
// fall back to the first greeting, never error.
func selectGreeting(data *types.CardData, greetingIndex int) string {
	if greetingIndex <= 0 {
		return data.FirstMes
	}
	if i := greetingIndex - 1; i < len(data.AlternateGreetings) {
		return data.AlternateGreetings[i]
	}
	return data.FirstMes
}

// dynamicOnly returns a copy of book with constant entries filtered out;
// those are already resolved into the compiled context.
func dynamicOnly(book *types.Lorebook) *types.Lorebook {
	dynamic := &types.Lorebook{Name: book.Name, ScanDepth: book.ScanDepth}
	for _, entry := range book.Entries {
		if entry.Constant {
			continue
		}
		dynamic.Entries = append(dynamic.Entries, entry)
	}
	if len(dynamic.Entries) == 0 {
		return nil
	}
	return dynamic
}
