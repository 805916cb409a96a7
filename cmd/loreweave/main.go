package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"loreweave/internal/compiler"
	"loreweave/internal/config"
	"loreweave/internal/logging"
	"loreweave/internal/lorebook"
	"loreweave/internal/macro"
	"loreweave/internal/store"
	"loreweave/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "loreweave",
	Short: "loreweave - Persona & Lore Compilation Engine",
	Long: `loreweave compiles character cards into model-ready prompts.

It resolves inline CBS macros ({{char}}, {{user}}, {{random:...}}, ...),
matches conditional lorebook entries against live conversation text, and
emits the exact ordered role-tagged message list for a chat-completion API.

Compilation is two-phase: static persona fields and constant lore are
compiled once per conversation and cached; dynamic lore and live macros are
resolved on every turn.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// validateCmd checks a character card against the schema
var validateCmd = &cobra.Command{
	Use:   "validate [card.json...]",
	Short: "Validate character cards against the chara_card_v3 schema",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

// compileCmd compiles cards into static compiled contexts
var compileCmd = &cobra.Command{
	Use:   "compile [card.json...]",
	Short: "Compile character cards into cacheable compiled contexts",
	Long: `Resolves persona fields and constant lore through the macro processor
and lorebook engine, producing a JSON-serializable compiled context per card.
Multiple cards compile concurrently.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCompile,
}

// assembleCmd produces the final message list for one turn
var assembleCmd = &cobra.Command{
	Use:   "assemble [card.json]",
	Short: "Assemble the final prompt message list for one turn",
	Long: `Compiles (or loads from cache) the card's static context, then runs
per-turn assembly with the supplied history and user prompt, printing the
final ordered message list as JSON.

Example:
  loreweave assemble card.json --history history.json --prompt "I draw my sword"`,
	Args: cobra.ExactArgs(1),
	RunE: runAssemble,
}

var (
	// compile flags
	userName      string
	greetingIndex int

	// assemble flags
	historyPath    string
	userPrompt     string
	conversationID string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".loreweave/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory")

	compileCmd.Flags().StringVar(&userName, "user", "", "user display name for {{user}} substitution")
	compileCmd.Flags().IntVar(&greetingIndex, "greeting", 0, "greeting index (0 = first greeting)")

	assembleCmd.Flags().StringVar(&userName, "user", "", "user display name for {{user}} substitution")
	assembleCmd.Flags().IntVar(&greetingIndex, "greeting", 0, "greeting index (0 = first greeting)")
	assembleCmd.Flags().StringVar(&historyPath, "history", "", "JSON file with the conversation history")
	assembleCmd.Flags().StringVar(&userPrompt, "prompt", "", "new user prompt for this turn")
	assembleCmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID (macro seed); generated when empty")

	rootCmd.AddCommand(validateCmd, compileCmd, assembleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		card, err := loadCard(path)
		if err == nil {
			err = card.Validate()
		}
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: ok (%s)\n", path, card.Data.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cards failed validation", failed, len(args))
	}
	return nil
}

func runCompile(cmd *cobra.Command, args []string) error {
	comp := compiler.NewContextCompiler(macro.NewProcessor(), lorebook.NewEngine())
	user := resolveUserName()

	results := make([]*compiler.CompiledContext, len(args))
	var g errgroup.Group
	for i, path := range args {
		g.Go(func() error {
			card, err := loadCard(path)
			if err != nil {
				return err
			}
			if err := card.Validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			cc, err := comp.CompileStaticContext(card, user, greetingIndex)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			logger.Debug("compiled card",
				zap.String("path", path),
				zap.String("character", cc.CharacterName),
				zap.Int("constant_entries", len(cc.ConstantLorebookEntries)))
			results[i] = cc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, cc := range results {
		if err := writeJSON(os.Stdout, cc); err != nil {
			return fmt.Errorf("%s: %w", args[i], err)
		}
	}
	return nil
}

func runAssemble(cmd *cobra.Command, args []string) error {
	card, err := loadCard(args[0])
	if err != nil {
		return err
	}
	if err := card.Validate(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	history, err := loadHistory(historyPath)
	if err != nil {
		return err
	}

	convID := conversationID
	if convID == "" {
		convID = uuid.NewString()
		logger.Debug("generated conversation ID", zap.String("conversation", convID))
	}
	user := resolveUserName()

	macros := macro.NewProcessor()
	engine := lorebook.NewEngine()
	comp := compiler.NewContextCompiler(macros, engine)
	assembler := compiler.NewPromptAssembler(comp, macros, engine)

	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	loader := store.NewLoader(cache)
	compiled, err := loader.GetOrCompile(convID, card.Hash(), func() (*compiler.CompiledContext, error) {
		return comp.CompileStaticContext(card, user, greetingIndex)
	})
	if err != nil {
		return fmt.Errorf("failed to compile static context: %w", err)
	}

	messages, err := assembler.BuildPrompt(compiler.AssembleOptions{
		Compiled:         compiled,
		History:          history,
		UserPrompt:       userPrompt,
		UserName:         user,
		ConversationID:   convID,
		AssistantTurns:   -1,
		DefaultScanDepth: cfg.Engine.DefaultScanDepth,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble prompt: %w", err)
	}

	logger.Info("assembled prompt",
		zap.String("conversation", convID),
		zap.Int("messages", len(messages)))
	return writeJSON(os.Stdout, messages)
}

func openCache() (store.Cache, error) {
	if cfg.Cache.Path == "" {
		return store.NewMemoryCache(), nil
	}
	path := cfg.Cache.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return store.NewSQLiteCache(path)
}

func resolveUserName() string {
	if userName != "" {
		return userName
	}
	return cfg.Engine.DefaultUserName
}

func loadCard(path string) (*types.CharacterCard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read card: %w", err)
	}
	var card types.CharacterCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("failed to parse card %s: %w", path, err)
	}
	return &card, nil
}

func loadHistory(path string) ([]types.Message, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var history []types.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", path, err)
	}
	return history, nil
}

func writeJSON(w *os.File, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
