// Package macro implements the CBS macro substitution pipeline.
// Macros are {{...}}-delimited inline directives resolved to text at render
// time: name substitution, comments, hidden markers, randomization.
//
// Process is total: malformed macros are left in place rather than erroring,
// so a broken card field degrades to visible literal text instead of
// aborting compilation.
package macro

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"loreweave/internal/logging"
	"loreweave/internal/types"
)

// Tag patterns are case-insensitive; argument capture is non-greedy so
// adjacent macros on one line do not swallow each other.
var (
	hiddenKeyRe     = regexp.MustCompile(`(?i)\{\{hidden_key:(.*?)\}\}`)
	blockCommentRe  = regexp.MustCompile(`(?s)\{\{//.*?\}\}`)
	inlineCommentRe = regexp.MustCompile(`(?i)\{\{comment:.*?\}\}`)
	charRe          = regexp.MustCompile(`(?i)\{\{char\}\}`)
	userRe          = regexp.MustCompile(`(?i)\{\{user\}\}`)
	randomRe        = regexp.MustCompile(`(?i)\{\{random:(.*?)\}\}`)
	pickRe          = regexp.MustCompile(`(?i)\{\{pick:(.*?)\}\}`)
	rollRe          = regexp.MustCompile(`(?i)\{\{roll:([dD]?\d+)\}\}`)
	reverseRe       = regexp.MustCompile(`(?i)\{\{reverse:(.*?)\}\}`)
)

// commaSentinel temporarily stands in for escaped commas while splitting
// list-valued macro arguments. NUL bytes cannot appear in card text.
const commaSentinel = "\x00lw-comma\x00"

// Processor resolves CBS macros. It holds no mutable state; a single
// Processor is safe for concurrent use from any number of goroutines.
type Processor struct{}

// NewProcessor creates a macro processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process resolves all macros in text against ctx.
//
// The pipeline order is fixed: hidden keys and comments are stripped before
// any substitution runs, so a substituted value can never re-expose a
// comment span, and name substitution runs before the list-valued macros so
// {{random:{{char}},stranger}} resolves the name first.
func (p *Processor) Process(text string, ctx types.MacroContext) string {
	if !strings.Contains(text, "{{") {
		return text // Fast path: no macros
	}

	// 1. Hidden-key spans vanish from visible text entirely.
	text = hiddenKeyRe.ReplaceAllString(text, "")

	// 2-3. Comments.
	text = blockCommentRe.ReplaceAllString(text, "")
	text = inlineCommentRe.ReplaceAllString(text, "")

	// 4-5. Name substitution. Literal replacement so a name containing $
	// is never treated as a regexp expansion.
	text = charRe.ReplaceAllLiteralString(text, ctx.CharName)
	text = userRe.ReplaceAllLiteralString(text, ctx.UserName)

	// 6. {{random:a,b,c}} - fresh pseudo-random choice per occurrence.
	text = randomRe.ReplaceAllStringFunc(text, func(m string) string {
		choices := splitChoices(randomRe.FindStringSubmatch(m)[1])
		if len(choices) == 0 {
			return m
		}
		return choices[rand.Intn(len(choices))]
	})

	// 7. {{pick:a,b,c}} - deterministic choice keyed by seed + matched text.
	text = pickRe.ReplaceAllStringFunc(text, func(m string) string {
		choices := splitChoices(pickRe.FindStringSubmatch(m)[1])
		if len(choices) == 0 {
			return m
		}
		return choices[pickIndex(ctx.Seed, m, len(choices))]
	})

	// 8. {{roll:d20}} / {{roll:20}} - uniform integer in [1, N].
	text = rollRe.ReplaceAllStringFunc(text, func(m string) string {
		arg := rollRe.FindStringSubmatch(m)[1]
		arg = strings.TrimLeft(arg, "dD")
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			logging.MacroDebug("leaving malformed roll macro in place: %s", m)
			return m
		}
		return strconv.Itoa(rand.Intn(n) + 1)
	})

	// 9. {{reverse:text}} - character-reversed literal.
	text = reverseRe.ReplaceAllStringFunc(text, func(m string) string {
		return reverseString(reverseRe.FindStringSubmatch(m)[1])
	})

	return text
}

// ExtractHiddenKeys returns the contents of {{hidden_key:...}} spans without
// mutating the input. The lorebook scan pipeline appends these as extra scan
// tokens so invisible markers can trigger entries while never reaching the
// model.
func (p *Processor) ExtractHiddenKeys(text string) []string {
	matches := hiddenKeyRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		if key := strings.TrimSpace(m[1]); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// splitChoices splits a comma-separated macro argument, honoring the
// backslash escape: "a\,b,c" yields ["a,b", "c"]. The escape survives via a
// sentinel substitution so the split never sees the protected comma.
func splitChoices(raw string) []string {
	escaped := strings.ReplaceAll(raw, `\,`, commaSentinel)
	parts := strings.Split(escaped, ",")
	choices := make([]string, 0, len(parts))
	for _, part := range parts {
		choice := strings.ReplaceAll(strings.TrimSpace(part), commaSentinel, ",")
		choices = append(choices, choice)
	}
	return choices
}

// pickIndex maps seed + the matched macro text to a stable choice index
// using a 32-bit rolling string hash (h = h*31 + char, wrapping at 32-bit
// signed overflow). The same seed and the same macro occurrence always
// resolve to the same choice.
func pickIndex(seed, matched string, n int) int {
	var h int32
	for _, r := range seed + matched {
		h = h*31 + int32(r)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return int(v % int64(n))
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
