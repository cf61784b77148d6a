// Package guardrails screens incoming prompts before they are admitted to
// the pipeline. A failed check is a security verification failure: the
// prompt is rejected, and on the first prompt of a batch the whole run
// aborts.
//
// Checks:
//   - prompt_injection: heuristic detection of instruction-override attempts
//   - max_length: character/word limits on a single prompt
//   - blocked_words: keyword/phrase blocklist
package guardrails

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/plansmith/plansmith/engine/internal/ratelimit"
)

// Config tunes the prompt checker.
type Config struct {
	// Sensitivity is "low", "medium" (default), or "high". Low disables the
	// injection heuristics entirely; high adds the extraction patterns.
	Sensitivity string

	// MaxCharacters and MaxWords bound a single prompt. Zero = unlimited.
	MaxCharacters int
	MaxWords      int

	// BlockedWords are matched case-insensitively as substrings.
	BlockedWords []string
}

// Checker verifies prompts against the configured screens.
type Checker struct {
	cfg Config
}

// NewChecker creates a checker. An empty sensitivity defaults to medium.
func NewChecker(cfg Config) *Checker {
	if cfg.Sensitivity == "" {
		cfg.Sensitivity = "medium"
	}
	return &Checker{cfg: cfg}
}

// injectionPatterns are the instruction-override heuristics checked at
// medium sensitivity and above.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(restrictions?|rules?|filters?)`),
}

// extractionPatterns are the additional checks enabled at high sensitivity.
var extractionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions?|rules?)`),
	regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)\s+verbatim`),
}

// Verify screens one prompt. A failed screen returns a
// *ratelimit.SecurityError naming the check that tripped.
func (c *Checker) Verify(ctx context.Context, prompt string) error {
	if c.cfg.MaxCharacters > 0 && utf8.RuneCountInString(prompt) > c.cfg.MaxCharacters {
		return &ratelimit.SecurityError{Reason: "prompt exceeds maximum length"}
	}
	if c.cfg.MaxWords > 0 && len(strings.Fields(prompt)) > c.cfg.MaxWords {
		return &ratelimit.SecurityError{Reason: "prompt exceeds maximum word count"}
	}

	lower := strings.ToLower(prompt)
	for _, word := range c.cfg.BlockedWords {
		if word == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(word)) {
			return &ratelimit.SecurityError{Reason: "prompt contains blocked content"}
		}
	}

	if c.cfg.Sensitivity == "low" {
		return nil
	}
	for _, re := range injectionPatterns {
		if re.MatchString(prompt) {
			return &ratelimit.SecurityError{Reason: "potential prompt injection detected"}
		}
	}
	if c.cfg.Sensitivity == "high" {
		for _, re := range extractionPatterns {
			if re.MatchString(prompt) {
				return &ratelimit.SecurityError{Reason: "potential prompt injection detected"}
			}
		}
	}
	return nil
}
