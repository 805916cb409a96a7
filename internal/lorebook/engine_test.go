package lorebook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loreweave/internal/types"
)

func entry(keys []string, content string) types.LoreEntry {
	return types.LoreEntry{Keys: keys, Content: content, Enabled: true}
}

func scanOf(text string) ScanContext {
	return ScanContext{ScanText: text}
}

func TestFindMatches_Basic(t *testing.T) {
	e := NewEngine()

	t.Run("nil book", func(t *testing.T) {
		assert.Empty(t, e.FindMatches(nil, scanOf("anything")))
	})

	t.Run("literal key match is case-folded", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{entry([]string{"Sword"}, "The sword glows.")}}
		matches := e.FindMatches(book, scanOf("I draw my SWORD"))
		require.Len(t, matches, 1)
		assert.Equal(t, "The sword glows.", matches[0].ProcessedContent)
	})

	t.Run("case-sensitive literal match", func(t *testing.T) {
		en := entry([]string{"Sword"}, "x")
		en.CaseSensitive = true
		book := &types.Lorebook{Entries: []types.LoreEntry{en}}
		assert.Empty(t, e.FindMatches(book, scanOf("i draw my sword")))
		assert.Len(t, e.FindMatches(book, scanOf("the Sword of dawn")), 1)
	})

	t.Run("no key match", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{entry([]string{"sword"}, "x")}}
		assert.Empty(t, e.FindMatches(book, scanOf("a quiet morning")))
	})

	t.Run("disabled entry never matches", func(t *testing.T) {
		en := entry([]string{"sword"}, "x")
		en.Enabled = false
		book := &types.Lorebook{Entries: []types.LoreEntry{en}}
		assert.Empty(t, e.FindMatches(book, scanOf("I draw my sword")))
	})

	t.Run("decorator role and clean content surface on matches", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{
			entry([]string{"sword"}, "@@role assistant The sword glows."),
		}}
		matches := e.FindMatches(book, scanOf("I draw my sword"))
		require.Len(t, matches, 1)
		require.NotNil(t, matches[0].Decorators.Role)
		assert.Equal(t, types.RoleAssistant, *matches[0].Decorators.Role)
		assert.Equal(t, "The sword glows.", matches[0].ProcessedContent)
	})
}

func TestFindMatches_RegexKeys(t *testing.T) {
	e := NewEngine()

	t.Run("regex key with case-insensitive default", func(t *testing.T) {
		en := entry([]string{`drag(on|oness)`}, "x")
		en.UseRegex = true
		book := &types.Lorebook{Entries: []types.LoreEntry{en}}
		assert.Len(t, e.FindMatches(book, scanOf("a DRAGON appears")), 1)
	})

	t.Run("invalid regex key is skipped, not fatal", func(t *testing.T) {
		en := entry([]string{`[unclosed`, `sword`}, "x")
		en.UseRegex = true
		book := &types.Lorebook{Entries: []types.LoreEntry{en}}
		assert.Len(t, e.FindMatches(book, scanOf("I draw my sword")), 1)
	})
}

func TestFindMatches_ConstantAndOverrides(t *testing.T) {
	e := NewEngine()

	t.Run("constant entry ignores scan text", func(t *testing.T) {
		en := entry([]string{"never-present"}, "Always included.")
		en.Constant = true
		book := &types.Lorebook{Entries: []types.LoreEntry{en}}
		assert.Len(t, e.FindMatches(book, scanOf("unrelated")), 1)
	})

	t.Run("constant entry rejected by dont_activate", func(t *testing.T) {
		en := entry([]string{"x"}, "@@dont_activate Always included.")
		en.Constant = true
		book := &types.Lorebook{Entries: []types.LoreEntry{en}}
		assert.Empty(t, e.FindMatches(book, scanOf("x")))
	})

	t.Run("activate decorator forces candidacy", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{
			entry([]string{"never-present"}, "@@activate Forced."),
		}}
		matches := e.FindMatches(book, scanOf("unrelated"))
		require.Len(t, matches, 1)
		assert.Equal(t, "Forced.", matches[0].ProcessedContent)
	})
}

func TestFindMatches_SelectiveAndExclude(t *testing.T) {
	e := NewEngine()

	selective := func() types.LoreEntry {
		en := entry([]string{"sword"}, "x")
		en.Selective = true
		en.SecondaryKeys = []string{"glow"}
		return en
	}

	t.Run("selective requires primary and secondary", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{selective()}}
		assert.Len(t, e.FindMatches(book, scanOf("the sword begins to glow")), 1)
	})

	t.Run("selective rejects secondary-only", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{selective()}}
		assert.Empty(t, e.FindMatches(book, scanOf("everything starts to glow")))
	})

	t.Run("selective rejects primary-only", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{selective()}}
		assert.Empty(t, e.FindMatches(book, scanOf("I draw my sword")))
	})

	t.Run("exclude wins over matching primary keys", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{
			entry([]string{"sword"}, "@@exclude_keys [wooden] x"),
		}}
		assert.Empty(t, e.FindMatches(book, scanOf("a wooden sword")))
		assert.Len(t, e.FindMatches(book, scanOf("a steel sword")), 1)
	})

	t.Run("additional keys activate when primaries miss", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{
			entry([]string{"sword"}, "@@additional_keys [blade, saber] x"),
		}}
		assert.Len(t, e.FindMatches(book, scanOf("a gleaming saber")), 1)
	})
}

func TestFindMatches_ActivationThrottles(t *testing.T) {
	e := NewEngine()
	book := func(content string) *types.Lorebook {
		return &types.Lorebook{Entries: []types.LoreEntry{entry([]string{"sword"}, content)}}
	}

	t.Run("activate_only_after gates on turn count", func(t *testing.T) {
		b := book("@@activate_only_after 3 x")
		sc := scanOf("sword")
		sc.AssistantTurns = 2
		assert.Empty(t, e.FindMatches(b, sc))
		sc.AssistantTurns = 3
		assert.Len(t, e.FindMatches(b, sc), 1)
	})

	t.Run("activate_only_every gates on modulo", func(t *testing.T) {
		b := book("@@activate_only_every 2 x")
		sc := scanOf("sword")
		sc.AssistantTurns = 3
		assert.Empty(t, e.FindMatches(b, sc))
		sc.AssistantTurns = 4
		assert.Len(t, e.FindMatches(b, sc), 1)
	})
}

func TestFindMatches_ScanDepth(t *testing.T) {
	e := NewEngine()
	messages := []types.Message{
		{Role: types.RoleUser, Content: "we spoke of the sword long ago"},
		{Role: types.RoleAssistant, Content: "indeed"},
		{Role: types.RoleUser, Content: "what now?"},
	}

	t.Run("book scan depth limits the window", func(t *testing.T) {
		book := &types.Lorebook{ScanDepth: 2, Entries: []types.LoreEntry{entry([]string{"sword"}, "x")}}
		sc := ScanContext{ScanText: "full text mentions sword", Messages: messages}
		assert.Empty(t, e.FindMatches(book, sc))
	})

	t.Run("decorator scan depth overrides book depth", func(t *testing.T) {
		book := &types.Lorebook{ScanDepth: 2, Entries: []types.LoreEntry{
			entry([]string{"sword"}, "@@scan_depth 3 x"),
		}}
		sc := ScanContext{Messages: messages}
		assert.Len(t, e.FindMatches(book, sc), 1)
	})

	t.Run("hidden keys stay in the window", func(t *testing.T) {
		book := &types.Lorebook{ScanDepth: 1, Entries: []types.LoreEntry{entry([]string{"dragon"}, "x")}}
		sc := ScanContext{Messages: messages, HiddenKeys: []string{"dragon"}}
		assert.Len(t, e.FindMatches(book, sc), 1)
	})

	t.Run("context default applies when the book sets no depth", func(t *testing.T) {
		book := &types.Lorebook{Entries: []types.LoreEntry{entry([]string{"sword"}, "x")}}
		sc := ScanContext{ScanText: "full text mentions sword", Messages: messages, DefaultScanDepth: 2}
		assert.Empty(t, e.FindMatches(book, sc))
	})

	t.Run("book depth overrides the context default", func(t *testing.T) {
		book := &types.Lorebook{ScanDepth: 3, Entries: []types.LoreEntry{entry([]string{"sword"}, "x")}}
		sc := ScanContext{Messages: messages, DefaultScanDepth: 1}
		assert.Len(t, e.FindMatches(book, sc), 1)
	})
}

func TestFindMatches_Ordering(t *testing.T) {
	e := NewEngine()

	mk := func(content string, priority, order int) types.LoreEntry {
		en := entry([]string{"sword"}, content)
		en.Priority = priority
		en.InsertionOrder = order
		return en
	}

	book := &types.Lorebook{Entries: []types.LoreEntry{
		mk("low", 3, 0),
		mk("high", 5, 9),
		mk("tie-second", 3, 2),
		mk("tie-first", 3, 1),
	}}

	matches := e.FindMatches(book, scanOf("sword"))
	require.Len(t, matches, 4)

	var contents []string
	for _, m := range matches {
		contents = append(contents, m.ProcessedContent)
	}
	assert.Equal(t, []string{"high", "low", "tie-first", "tie-second"}, contents)
}
