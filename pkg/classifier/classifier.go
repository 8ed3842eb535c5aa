// Package classifier decides how a single input line should be handled:
// run it untouched, substitute a learned pattern, send it to an AI provider,
// or treat it as ambiguous.
package classifier

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/learning"
)

type Kind int

const (
	Known Kind = iota
	LearnedPattern
	NaturalLanguage
	Ambiguous
)

func (k Kind) String() string {
	switch k {
	case Known:
		return "known"
	case LearnedPattern:
		return "learned_pattern"
	case NaturalLanguage:
		return "natural_language"
	default:
		return "ambiguous"
	}
}

type Classification struct {
	Kind    Kind
	Pattern *learning.Pattern
}

var shellBuiltins = map[string]bool{
	"cd": true, "export": true, "alias": true, "source": true, ".": true,
	"echo": true, "pwd": true, "exit": true, "history": true, "jobs": true,
	"fg": true, "bg": true, "kill": true, "wait": true, "read": true,
	"test": true, "[": true, "eval": true, "exec": true, "set": true,
	"unset": true, "shift": true, "return": true, "break": true,
	"continue": true, "trap": true, "ulimit": true, "umask": true,
	"type": true, "command": true, "builtin": true, "enable": true,
	"help": true, "let": true, "local": true, "declare": true,
	"typeset": true, "readonly": true, "unalias": true,
}

var questionWords = []string{
	"what", "how", "why", "when", "where", "who", "tell", "show", "find",
	"list", "get", "explain", "describe", "can you",
}

var conversationalMarkers = []string{
	"i want", "i need", "please", "could you", "would you", "can you",
	"help me", "show me", "tell me", "give me",
}

// Classifier caches the PATH executable set and applies the ordered
// classification rules.
type Classifier struct {
	store               *learning.Store
	confidenceThreshold float64

	mu            sync.RWMutex
	knownCommands map[string]bool

	log zerolog.Logger
}

func New(store *learning.Store, confidenceThreshold float64, log zerolog.Logger) *Classifier {
	c := &Classifier{
		store:               store,
		confidenceThreshold: confidenceThreshold,
		knownCommands:       make(map[string]bool),
		log:                 log.With().Str("component", "classifier").Logger(),
	}
	c.RefreshPathCache()
	return c
}

// Classify applies the rules in order; the first match wins. Empty input is
// Ambiguous without touching the store.
func (c *Classifier) Classify(ctx context.Context, input string) (Classification, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Classification{Kind: Ambiguous}, nil
	}

	first := strings.Fields(trimmed)[0]
	if c.isKnownCommand(first) {
		return Classification{Kind: Known}, nil
	}

	pattern, err := c.store.FindSimilar(ctx, trimmed)
	if err != nil {
		return Classification{}, err
	}
	if pattern != nil && pattern.Confidence > c.confidenceThreshold {
		return Classification{Kind: LearnedPattern, Pattern: pattern}, nil
	}

	if looksLikeNaturalLanguage(trimmed) {
		return Classification{Kind: NaturalLanguage}, nil
	}
	return Classification{Kind: Ambiguous}, nil
}

func (c *Classifier) isKnownCommand(cmd string) bool {
	if strings.HasPrefix(cmd, "./") || strings.HasPrefix(cmd, "/") {
		return true
	}
	if shellBuiltins[cmd] {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.knownCommands[cmd]
}

func looksLikeNaturalLanguage(input string) bool {
	lower := strings.ToLower(input)
	for _, word := range questionWords {
		if strings.HasPrefix(lower, word) {
			return true
		}
	}
	if strings.Contains(input, "?") {
		return true
	}
	if len(strings.Fields(input)) > 4 {
		return true
	}
	for _, marker := range conversationalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// RefreshPathCache rebuilds the known-command set from PATH. On POSIX an
// entry counts if any execute bit is set; elsewhere any regular file does.
func (c *Classifier) RefreshPathCache() {
	known := make(map[string]bool)
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
				continue
			}
			known[entry.Name()] = true
		}
	}
	c.mu.Lock()
	c.knownCommands = known
	c.mu.Unlock()
	c.log.Debug().Int("count", len(known)).Msg("Rebuilt PATH command cache")
}

// KnownCount reports the size of the PATH cache.
func (c *Classifier) KnownCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.knownCommands)
}
