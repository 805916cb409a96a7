package lorebook

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"loreweave/internal/logging"
	"loreweave/internal/types"
)

// Decorator directives embedded in entry content. One pattern per kind;
// each pattern both extracts the value and marks the span for stripping.
var (
	depthRe          = regexp.MustCompile(`@@depth\s+(\d+)`)
	roleRe           = regexp.MustCompile(`@@role\s+(\S+)`)
	activateAfterRe  = regexp.MustCompile(`@@activate_only_after\s+(\d+)`)
	activateEveryRe  = regexp.MustCompile(`@@activate_only_every\s+(\d+)`)
	positionRe       = regexp.MustCompile(`@@position\s+(\S+)`)
	scanDepthRe      = regexp.MustCompile(`@@scan_depth\s+(\d+)`)
	additionalKeysRe = regexp.MustCompile(`@@additional_keys\s*\[([^\]]*)\]`)
	excludeKeysRe    = regexp.MustCompile(`@@exclude_keys\s*\[([^\]]*)\]`)
	activateRe       = regexp.MustCompile(`@@activate\b`)
	dontActivateRe   = regexp.MustCompile(`@@dont_activate\b`)
)

// ParsedDecorators holds every decorator extracted from an entry's content.
// Pointer fields are nil when the decorator is absent, so zero values stay
// distinguishable from "not specified".
type ParsedDecorators struct {
	Depth             *int        `json:"depth,omitempty"`
	Role              *types.Role `json:"role,omitempty"`
	ActivateOnlyAfter *int        `json:"activate_only_after,omitempty"`
	ActivateOnlyEvery *int        `json:"activate_only_every,omitempty"`
	Position          string      `json:"position,omitempty"`
	ScanDepth         *int        `json:"scan_depth,omitempty"`
	AdditionalKeys    [][]string  `json:"additional_keys,omitempty"`
	ExcludeKeys       [][]string  `json:"exclude_keys,omitempty"`
	Activate          bool        `json:"activate,omitempty"`
	DontActivate      bool        `json:"dont_activate,omitempty"`
}

// parsedContent pairs decorators with the decorator-stripped entry text.
type parsedContent struct {
	Decorators   ParsedDecorators
	CleanContent string
}

// decoratorCache memoizes ParseDecorators results keyed by a SHA-256 of the
// entry content. Parsing is idempotent, so a hit is always equivalent to a
// re-parse; a changed entry hashes to a new key and the stale result simply
// stops being read.
type decoratorCache struct {
	mu      sync.RWMutex
	results map[string]parsedContent
}

func newDecoratorCache() *decoratorCache {
	return &decoratorCache{results: make(map[string]parsedContent)}
}

func (c *decoratorCache) get(content string) (parsedContent, bool) {
	key := hashContent(content)
	c.mu.RLock()
	defer c.mu.RUnlock()
	pc, ok := c.results[key]
	return pc, ok
}

func (c *decoratorCache) put(content string, pc parsedContent) {
	key := hashContent(content)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = pc
}

// hashContent computes a SHA-256 hash of content for cache keying.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ParseDecorators extracts every @@directive from content and returns the
// decorators plus the whitespace-trimmed content with all directive spans
// removed. Malformed directives are logged, stripped, and otherwise ignored;
// they never abort parsing.
func ParseDecorators(content string) (ParsedDecorators, string) {
	var d ParsedDecorators

	if m := depthRe.FindStringSubmatch(content); m != nil {
		d.Depth = parseDecoratorInt("depth", m[1])
	}
	if m := roleRe.FindStringSubmatch(content); m != nil {
		if role, err := types.ParseRole(m[1]); err != nil {
			logging.LorebookWarn("ignoring invalid @@role value %q", m[1])
		} else {
			d.Role = &role
		}
	}
	if m := activateAfterRe.FindStringSubmatch(content); m != nil {
		d.ActivateOnlyAfter = parseDecoratorInt("activate_only_after", m[1])
	}
	if m := activateEveryRe.FindStringSubmatch(content); m != nil {
		d.ActivateOnlyEvery = parseDecoratorInt("activate_only_every", m[1])
	}
	if m := positionRe.FindStringSubmatch(content); m != nil {
		d.Position = m[1]
	}
	if m := scanDepthRe.FindStringSubmatch(content); m != nil {
		d.ScanDepth = parseDecoratorInt("scan_depth", m[1])
	}
	for _, m := range additionalKeysRe.FindAllStringSubmatch(content, -1) {
		if group := splitKeyGroup(m[1]); len(group) > 0 {
			d.AdditionalKeys = append(d.AdditionalKeys, group)
		}
	}
	for _, m := range excludeKeysRe.FindAllStringSubmatch(content, -1) {
		if group := splitKeyGroup(m[1]); len(group) > 0 {
			d.ExcludeKeys = append(d.ExcludeKeys, group)
		}
	}
	// \b keeps the bare flags from matching inside the longer
	// activate_only_* directives.
	d.DontActivate = dontActivateRe.MatchString(content)
	d.Activate = activateRe.MatchString(content)

	clean := content
	clean = depthRe.ReplaceAllString(clean, "")
	clean = roleRe.ReplaceAllString(clean, "")
	clean = activateAfterRe.ReplaceAllString(clean, "")
	clean = activateEveryRe.ReplaceAllString(clean, "")
	clean = positionRe.ReplaceAllString(clean, "")
	clean = scanDepthRe.ReplaceAllString(clean, "")
	clean = additionalKeysRe.ReplaceAllString(clean, "")
	clean = excludeKeysRe.ReplaceAllString(clean, "")
	clean = dontActivateRe.ReplaceAllString(clean, "")
	clean = activateRe.ReplaceAllString(clean, "")

	return d, strings.TrimSpace(clean)
}

func parseDecoratorInt(name, raw string) *int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		logging.LorebookWarn("ignoring unparseable @@%s value %q: %v", name, raw, err)
		return nil
	}
	return &n
}

// splitKeyGroup splits a bracketed decorator key list: "[a, b]" -> ["a","b"].
func splitKeyGroup(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, part := range parts {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
