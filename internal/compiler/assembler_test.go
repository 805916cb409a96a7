package compiler

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loreweave/internal/lorebook"
	"loreweave/internal/macro"
	"loreweave/internal/types"
)

func newAssembler() *PromptAssembler {
	macros := macro.NewProcessor()
	engine := lorebook.NewEngine()
	return NewPromptAssembler(NewContextCompiler(macros, engine), macros, engine)
}

func TestBuildPrompt_RequiresPersonaOrCompiled(t *testing.T) {
	a := newAssembler()

	_, err := a.BuildPrompt(AssembleOptions{UserPrompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPersona)
}

func TestBuildPrompt_FixedOrder(t *testing.T) {
	a := newAssembler()

	card := fixtureCard()
	card.Data.CharacterBook = &types.Lorebook{Entries: []types.LoreEntry{
		{Keys: []string{"never"}, Content: "Constant fact.", Enabled: true, Constant: true},
		{Keys: []string{"sword"}, Content: "@@role assistant The sword glows.", Enabled: true},
	}}

	history := []types.Message{
		{Role: types.RoleUser, Content: "Hello {{char}}."},
		{Role: types.RoleAssistant, Content: "Greetings, {{user}}."},
	}

	got, err := a.BuildPrompt(AssembleOptions{
		Persona:        card,
		History:        history,
		UserPrompt:     "I draw my sword",
		UserName:       "Alice",
		ConversationID: "conv-1",
		AssistantTurns: -1,
	})
	require.NoError(t, err)

	want := []types.ChatMessage{
		{Role: types.RoleSystem, Content: "Stay in character as Elara."},
		{Role: types.RoleSystem, Content: "Elara is a wandering mage."},
		{Role: types.RoleSystem, Content: "Personality: curious, kind to Alice"},
		{Role: types.RoleSystem, Content: "Scenario: A misty forest at dusk."},
		{Role: types.RoleSystem, Content: "Constant fact."},
		{Role: types.RoleAssistant, Content: "The sword glows."},
		{Role: types.RoleUser, Content: "Hello Elara."},
		{Role: types.RoleAssistant, Content: "Greetings, Alice."},
		{Role: types.RoleUser, Content: "I draw my sword"},
		{Role: types.RoleSystem, Content: "Reply as Elara only."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message list mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPrompt_OptionalFieldsOmitted(t *testing.T) {
	a := newAssembler()

	card := fixtureCard()
	card.Data.Personality = ""
	card.Data.Scenario = ""
	card.Data.SystemPrompt = ""
	card.Data.PostHistoryInstructions = ""

	got, err := a.BuildPrompt(AssembleOptions{
		Persona:        card,
		UserPrompt:     "hi",
		UserName:       "Alice",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	want := []types.ChatMessage{
		{Role: types.RoleSystem, Content: "Elara is a wandering mage."},
		{Role: types.RoleUser, Content: "hi"},
	}
	assert.Equal(t, want, got)
}

func TestBuildPrompt_UsesCompiledContext(t *testing.T) {
	a := newAssembler()
	c := newCompiler()

	compiled, err := c.CompileStaticContext(fixtureCard(), "Alice", 0)
	require.NoError(t, err)

	got, err := a.BuildPrompt(AssembleOptions{
		Compiled:       compiled,
		UserPrompt:     "hi {{char}}",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	require.NotEmpty(t, got)
	// Current user message is macro-processed with the compiled identity.
	assert.Equal(t, types.ChatMessage{Role: types.RoleUser, Content: "hi Elara"}, got[len(got)-2])
	assert.Equal(t, "Reply as Elara only.", got[len(got)-1].Content)
}

func TestBuildPrompt_DynamicLoreFromCompiledBlob(t *testing.T) {
	a := newAssembler()
	c := newCompiler()

	card := fixtureCard()
	card.Data.CharacterBook = &types.Lorebook{Entries: []types.LoreEntry{
		{Keys: []string{"sword"}, Content: "{{char}} senses the blade.", Enabled: true},
	}}
	compiled, err := c.CompileStaticContext(card, "Alice", 0)
	require.NoError(t, err)

	t.Run("activates on scan text", func(t *testing.T) {
		got, err := a.BuildPrompt(AssembleOptions{
			Compiled:       compiled,
			UserPrompt:     "I draw my sword",
			ConversationID: "conv-1",
		})
		require.NoError(t, err)
		assert.Contains(t, got, types.ChatMessage{Role: types.RoleSystem, Content: "Elara senses the blade."})
	})

	t.Run("stays out without a match", func(t *testing.T) {
		got, err := a.BuildPrompt(AssembleOptions{
			Compiled:       compiled,
			UserPrompt:     "a quiet evening",
			ConversationID: "conv-1",
		})
		require.NoError(t, err)
		assert.NotContains(t, got, types.ChatMessage{Role: types.RoleSystem, Content: "Elara senses the blade."})
	})
}

func TestBuildPrompt_HiddenKeysInfluenceMatching(t *testing.T) {
	a := newAssembler()

	card := fixtureCard()
	card.Data.CharacterBook = &types.Lorebook{Entries: []types.LoreEntry{
		{Keys: []string{"dragon"}, Content: "A dragon stirs.", Enabled: true},
	}}

	got, err := a.BuildPrompt(AssembleOptions{
		Persona:        card,
		UserPrompt:     "onward {{hidden_key:dragon}}",
		UserName:       "Alice",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	assert.Contains(t, got, types.ChatMessage{Role: types.RoleSystem, Content: "A dragon stirs."})
	for _, msg := range got {
		assert.NotContains(t, msg.Content, "hidden_key")
	}
}

func TestBuildPrompt_DropsNonConversationRoles(t *testing.T) {
	a := newAssembler()

	history := []types.Message{
		{Role: types.RoleUser, Content: "keep me"},
		{Role: types.RoleSystem, Content: "drop me"},
		{Role: types.RoleAssistant, Content: "keep me too"},
	}

	got, err := a.BuildPrompt(AssembleOptions{
		Persona:        fixtureCard(),
		History:        history,
		UserPrompt:     "hi",
		UserName:       "Alice",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	assert.NotContains(t, got, types.ChatMessage{Role: types.RoleSystem, Content: "drop me"})
	assert.Contains(t, got, types.ChatMessage{Role: types.RoleUser, Content: "keep me"})
	assert.Contains(t, got, types.ChatMessage{Role: types.RoleAssistant, Content: "keep me too"})
}

func TestBuildPrompt_DefaultScanDepth(t *testing.T) {
	a := newAssembler()

	card := fixtureCard()
	card.Data.CharacterBook = &types.Lorebook{Entries: []types.LoreEntry{
		{Keys: []string{"sword"}, Content: "The blade answers.", Enabled: true},
	}}

	// Keyword only in old history; the current turn never mentions it.
	history := []types.Message{
		{Role: types.RoleUser, Content: "we spoke of the sword long ago"},
		{Role: types.RoleAssistant, Content: "indeed"},
	}

	turn := func(depth int) []types.ChatMessage {
		got, err := a.BuildPrompt(AssembleOptions{
			Persona:          card,
			History:          history,
			UserPrompt:       "what now?",
			UserName:         "Alice",
			ConversationID:   "conv-1",
			DefaultScanDepth: depth,
		})
		require.NoError(t, err)
		return got
	}

	blade := types.ChatMessage{Role: types.RoleSystem, Content: "The blade answers."}
	assert.Contains(t, turn(0), blade)
	assert.NotContains(t, turn(2), blade)
}

func TestBuildPrompt_ThrottlesUseDerivedTurnCount(t *testing.T) {
	a := newAssembler()

	card := fixtureCard()
	card.Data.CharacterBook = &types.Lorebook{Entries: []types.LoreEntry{
		{Keys: []string{"sword"}, Content: "@@activate_only_after 2 Late lore.", Enabled: true},
	}}

	turn := func(history []types.Message) []types.ChatMessage {
		got, err := a.BuildPrompt(AssembleOptions{
			Persona:        card,
			History:        history,
			UserPrompt:     "the sword again",
			UserName:       "Alice",
			ConversationID: "conv-1",
			AssistantTurns: -1,
		})
		require.NoError(t, err)
		return got
	}

	early := turn([]types.Message{{Role: types.RoleAssistant, Content: "one"}})
	assert.NotContains(t, early, types.ChatMessage{Role: types.RoleSystem, Content: "Late lore."})

	late := turn([]types.Message{
		{Role: types.RoleAssistant, Content: "one"},
		{Role: types.RoleUser, Content: "two"},
		{Role: types.RoleAssistant, Content: "three"},
	})
	assert.Contains(t, late, types.ChatMessage{Role: types.RoleSystem, Content: "Late lore."})
}
