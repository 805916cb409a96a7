// Package lorebook implements the conditional-activation rule engine over
// keyed knowledge entries. Entries activate on keyword matches against a
// scan window of recent conversation text, modified by @@decorator
// directives embedded in the entry content.
package lorebook

import (
	"regexp"
	"sort"
	"strings"

	"loreweave/internal/logging"
	"loreweave/internal/types"
)

// MatchedEntry is an activated lore entry: the source entry, its parsed
// decorators, and the decorator-stripped (but still macro-unprocessed)
// content. Transient, produced per match evaluation.
type MatchedEntry struct {
	Entry            types.LoreEntry
	Decorators       ParsedDecorators
	ProcessedContent string
}

// ScanContext carries the live conversation state an evaluation runs
// against. ScanText is the full scan window (all working messages plus
// hidden-key tokens); Messages backs the per-entry @@scan_depth windows.
type ScanContext struct {
	ScanText       string
	Messages       []types.Message
	HiddenKeys     []string
	AssistantTurns int

	// DefaultScanDepth applies when neither the book nor an entry's
	// @@scan_depth decorator sets a depth. Zero means full scan text.
	DefaultScanDepth int
}

// Engine evaluates lorebooks against scan text. It is pure given its
// inputs; the only internal state is the decorator parse cache, which is
// safe for concurrent use.
type Engine struct {
	cache *decoratorCache
}

// NewEngine creates a lorebook engine.
func NewEngine() *Engine {
	return &Engine{cache: newDecoratorCache()}
}

// Parse returns the decorators and clean content for raw entry content,
// consulting the parse cache first. Exposed so the compiler can reuse the
// same parse path for constant entries.
func (e *Engine) Parse(content string) (ParsedDecorators, string) {
	if pc, ok := e.cache.get(content); ok {
		return pc.Decorators, pc.CleanContent
	}
	d, clean := ParseDecorators(content)
	e.cache.put(content, parsedContent{Decorators: d, CleanContent: clean})
	return d, clean
}

// FindMatches evaluates every entry of book against sc and returns the
// activated entries ordered by priority descending, ties broken by
// insertion_order ascending.
func (e *Engine) FindMatches(book *types.Lorebook, sc ScanContext) []MatchedEntry {
	if book == nil || len(book.Entries) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryLorebook, "Engine.FindMatches")
	defer timer.Stop()

	var matched []MatchedEntry
	for _, entry := range book.Entries {
		if !entry.Enabled {
			continue
		}

		decorators, clean := e.Parse(entry.Content)

		if !e.isCandidate(entry, decorators, book, sc) {
			continue
		}
		if !passesActivationConditions(decorators, sc.AssistantTurns) {
			continue
		}

		matched = append(matched, MatchedEntry{
			Entry:            entry,
			Decorators:       decorators,
			ProcessedContent: clean,
		})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Entry.Priority != matched[j].Entry.Priority {
			return matched[i].Entry.Priority > matched[j].Entry.Priority
		}
		return matched[i].Entry.InsertionOrder < matched[j].Entry.InsertionOrder
	})

	logging.LorebookDebug("matched %d/%d entries", len(matched), len(book.Entries))
	return matched
}

// isCandidate decides keyword-level eligibility. Constant entries and
// @@activate overrides are candidates regardless of scan text; everything
// else goes through key matching against the entry's scan window.
func (e *Engine) isCandidate(entry types.LoreEntry, d ParsedDecorators, book *types.Lorebook, sc ScanContext) bool {
	if entry.Constant || d.Activate {
		return true
	}

	textToScan := e.scanWindow(d, book, sc)

	// Exclude wins over everything.
	for _, group := range d.ExcludeKeys {
		if anyKeyMatches(group, textToScan, entry.UseRegex, entry.CaseSensitive) {
			return false
		}
	}

	if entry.Selective && len(entry.SecondaryKeys) > 0 {
		return anyKeyMatches(entry.Keys, textToScan, entry.UseRegex, entry.CaseSensitive) &&
			anyKeyMatches(entry.SecondaryKeys, textToScan, entry.UseRegex, entry.CaseSensitive)
	}

	if anyKeyMatches(entry.Keys, textToScan, entry.UseRegex, entry.CaseSensitive) {
		return true
	}
	for _, group := range d.AdditionalKeys {
		if anyKeyMatches(group, textToScan, entry.UseRegex, entry.CaseSensitive) {
			return true
		}
	}
	return false
}

// scanWindow builds the text an entry is matched against. A @@scan_depth
// decorator overrides the book-level scan depth, which in turn overrides
// the context default; a depth of 0 means the full scan text. Hidden-key
// tokens are always part of the window.
func (e *Engine) scanWindow(d ParsedDecorators, book *types.Lorebook, sc ScanContext) string {
	depth := book.ScanDepth
	if depth <= 0 {
		depth = sc.DefaultScanDepth
	}
	if d.ScanDepth != nil {
		depth = *d.ScanDepth
	}
	if depth <= 0 || len(sc.Messages) == 0 {
		return sc.ScanText
	}

	start := len(sc.Messages) - depth
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, depth+len(sc.HiddenKeys))
	for _, msg := range sc.Messages[start:] {
		parts = append(parts, msg.Content)
	}
	parts = append(parts, sc.HiddenKeys...)
	return strings.Join(parts, "\n")
}

// passesActivationConditions applies the decorator-level overrides and
// throttles: @@dont_activate rejects outright, @@activate_only_after gates
// on a minimum assistant-turn count, @@activate_only_every gates on a
// turn-count modulo.
func passesActivationConditions(d ParsedDecorators, assistantTurns int) bool {
	if d.DontActivate {
		return false
	}
	if d.ActivateOnlyAfter != nil && assistantTurns < *d.ActivateOnlyAfter {
		return false
	}
	if d.ActivateOnlyEvery != nil {
		n := *d.ActivateOnlyEvery
		if n <= 0 || assistantTurns%n != 0 {
			return false
		}
	}
	return true
}

// anyKeyMatches reports whether any key in keys matches text. In regex mode
// each key is a pattern (case-insensitive unless requested otherwise);
// invalid patterns are logged and skipped, never fatal. In literal mode the
// key is a case-folded substring match.
func anyKeyMatches(keys []string, text string, useRegex, caseSensitive bool) bool {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if useRegex {
			pattern := key
			if !caseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				logging.LorebookWarn("skipping invalid regex key %q: %v", key, err)
				continue
			}
			if re.MatchString(text) {
				return true
			}
			continue
		}
		if caseSensitive {
			if strings.Contains(text, key) {
				return true
			}
			continue
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(key)) {
			return true
		}
	}
	return false
}
