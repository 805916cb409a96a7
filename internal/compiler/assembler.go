package compiler

import (
	"errors"
	"strings"

	"loreweave/internal/logging"
	"loreweave/internal/lorebook"
	"loreweave/internal/macro"
	"loreweave/internal/types"
)

// ErrNoPersona is returned when BuildPrompt is called with neither a
// compiled context nor a persona card to compile from. This is a caller
// configuration defect, not recoverable locally.
var ErrNoPersona = errors.New("prompt assembly requires a compiled context or a persona card")

// PromptAssembler produces the final ordered message list for one turn.
// Stateless across calls; safe for concurrent use.
type PromptAssembler struct {
	compiler *ContextCompiler
	macros   *macro.Processor
	lore     *lorebook.Engine
}

// NewPromptAssembler creates an assembler sharing the given sub-components.
func NewPromptAssembler(compiler *ContextCompiler, macros *macro.Processor, lore *lorebook.Engine) *PromptAssembler {
	return &PromptAssembler{compiler: compiler, macros: macros, lore: lore}
}

// AssembleOptions supplies everything one turn of assembly needs.
type AssembleOptions struct {
	// Compiled is the cached static context. When nil, Persona is compiled
	// on the fly as a fallback.
	Compiled *CompiledContext

	// Persona is the source character card, used for fallback compilation
	// when Compiled is nil.
	Persona *types.CharacterCard

	// History is the stored conversation, oldest first. Read-only.
	History []types.Message

	// UserPrompt is the new user input for this turn.
	UserPrompt string

	UserName string

	// ConversationID seeds deterministic macros and correlates logs. Never
	// persisted by this component.
	ConversationID string

	// AssistantTurns is the running count of assistant messages, used by
	// activation throttles. Pass a negative value to derive it from History.
	AssistantTurns int

	// GreetingIndex applies only to fallback compilation.
	GreetingIndex int

	// DefaultScanDepth is the lorebook scan depth used when the book does
	// not set one. Zero means entries scan the full working text.
	DefaultScanDepth int
}

// BuildPrompt emits the final ordered message list for one turn:
//
//	system_prompt?, description, personality?, scenario?,
//	constant lore..., dynamic lore...,
//	history+current (user/assistant only)...,
//	post_history_instructions?
//
// Every history message and the new user prompt are macro-processed with the
// per-turn context, so time-varying macros inside stored history re-resolve
// each turn.
func (a *PromptAssembler) BuildPrompt(opts AssembleOptions) ([]types.ChatMessage, error) {
	timer := logging.StartTimer(logging.CategoryAssemble, "PromptAssembler.BuildPrompt")
	defer timer.Stop()

	compiled := opts.Compiled
	if compiled == nil {
		if opts.Persona == nil {
			return nil, ErrNoPersona
		}
		var err error
		compiled, err = a.compiler.CompileStaticContext(opts.Persona, opts.UserName, opts.GreetingIndex)
		if err != nil {
			return nil, err
		}
		logging.Assemble("compiled persona on the fly for conversation %s", opts.ConversationID)
	}

	userName := opts.UserName
	if userName == "" {
		userName = compiled.UserName
	}
	mctx := types.MacroContext{
		CharName: compiled.CharacterName,
		UserName: userName,
		Seed:     opts.ConversationID,
	}

	// Working list: macro-processed history plus the new user prompt as a
	// transient current message. Hidden keys are collected from the raw
	// text before processing strips them, so invisible markers still
	// influence matching without reaching the model.
	working := make([]types.Message, 0, len(opts.History)+1)
	var rawParts []string
	for _, msg := range opts.History {
		rawParts = append(rawParts, msg.Content)
		working = append(working, types.Message{
			Role:      msg.Role,
			Content:   a.macros.Process(msg.Content, mctx),
			Timestamp: msg.Timestamp,
		})
	}
	rawParts = append(rawParts, opts.UserPrompt)
	working = append(working, types.Message{
		Role:    types.RoleUser,
		Content: a.macros.Process(opts.UserPrompt, mctx),
	})

	hiddenKeys := a.macros.ExtractHiddenKeys(strings.Join(rawParts, "\n"))

	scanParts := make([]string, 0, len(working)+len(hiddenKeys))
	for _, msg := range working {
		scanParts = append(scanParts, msg.Content)
	}
	scanParts = append(scanParts, hiddenKeys...)

	sc := lorebook.ScanContext{
		ScanText:         strings.Join(scanParts, "\n"),
		Messages:         working,
		HiddenKeys:       hiddenKeys,
		AssistantTurns:   assistantTurns(opts),
		DefaultScanDepth: opts.DefaultScanDepth,
	}
	dynamicEntries := a.lore.FindMatches(compiled.DynamicLorebook, sc)

	out := make([]types.ChatMessage, 0, len(working)+len(dynamicEntries)+8)
	if compiled.SystemPrompt != "" {
		out = append(out, types.ChatMessage{Role: types.RoleSystem, Content: compiled.SystemPrompt})
	}
	out = append(out, types.ChatMessage{Role: types.RoleSystem, Content: compiled.Description})
	if compiled.Personality != "" {
		out = append(out, types.ChatMessage{Role: types.RoleSystem, Content: "Personality: " + compiled.Personality})
	}
	if compiled.Scenario != "" {
		out = append(out, types.ChatMessage{Role: types.RoleSystem, Content: "Scenario: " + compiled.Scenario})
	}

	// Constant block first, then the dynamic block. The two are sorted
	// among themselves, not merged into one global priority order.
	for _, entry := range compiled.ConstantLorebookEntries {
		out = append(out, types.ChatMessage{Role: entry.Role, Content: entry.Content})
	}
	for _, match := range dynamicEntries {
		role := types.RoleSystem
		if match.Decorators.Role != nil {
			role = *match.Decorators.Role
		}
		out = append(out, types.ChatMessage{
			Role:    role,
			Content: a.macros.Process(match.ProcessedContent, mctx),
		})
	}

	for _, msg := range working {
		if msg.Role != types.RoleUser && msg.Role != types.RoleAssistant {
			continue
		}
		out = append(out, types.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	if compiled.PostHistoryInstructions != "" {
		out = append(out, types.ChatMessage{Role: types.RoleSystem, Content: compiled.PostHistoryInstructions})
	}

	logging.AssembleDebug("assembled %d messages (%d dynamic lore) for conversation %s",
		len(out), len(dynamicEntries), opts.ConversationID)
	return out, nil
}

// assistantTurns resolves the activation-throttle turn count: the caller's
// explicit count, or the number of assistant messages in History when the
// caller passes a negative value.
func assistantTurns(opts AssembleOptions) int {
	if opts.AssistantTurns >= 0 {
		return opts.AssistantTurns
	}
	count := 0
	for _, msg := range opts.History {
		if msg.Role == types.RoleAssistant {
			count++
		}
	}
	return count
}
