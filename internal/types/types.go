// Package types provides shared type definitions used across loreweave packages.
// This package exists to break import cycles between macro, lorebook, and compiler.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ROLES
// =============================================================================

// Role identifies the author of a chat message.
// It is a closed set: System, User, Assistant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole converts a raw string into a Role.
// Unknown values return an error rather than leaking through as free-form strings.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// =============================================================================
// CONVERSATION
// =============================================================================

// Message is a single stored conversation message.
// History is owned by the caller; the engine reads it and never mutates it.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ChatMessage is one element of the final prompt handed to a chat-completion API.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MacroContext carries the per-compile or per-turn substitution targets.
// Seed (usually the conversation ID) keys deterministic macros; it is never persisted.
type MacroContext struct {
	CharName string
	UserName string
	Seed     string
}
