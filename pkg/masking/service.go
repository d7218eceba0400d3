// Package masking scrubs credential material from anything the engine emits:
// log lines, event payloads, and tool results. Resolved credential values are
// registered at fetch time and replaced wherever they appear; built-in regex
// patterns catch the common token shapes that never pass through the
// credential store.
package masking

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// MaskedValue replaces every masked occurrence.
const MaskedValue = "[MASKED]"

// CompiledPattern is one pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns cover token shapes independent of the credential store.
var builtinPatterns = map[string]struct {
	pattern     string
	replacement string
}{
	"bearer_token":      {`(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`, "Bearer " + MaskedValue},
	"basic_auth_url":    {`(?i)(://[^/\s:]+):[^@/\s]+@`, "$1:" + MaskedValue + "@"},
	"password_kv":       {`(?i)("?(?:password|passwd|secret|token|api_key|apikey)"?\s*[:=]\s*)"?[^",\s}]+"?`, "$1" + MaskedValue},
	"authorization_hdr": {`(?i)(authorization["']?\s*[:=]\s*["']?)[^"',\s}]+`, "$1" + MaskedValue},
}

// Service applies masking. Created once at startup; safe for concurrent use.
type Service struct {
	patterns []*CompiledPattern

	mu     sync.RWMutex
	values []string // resolved credential values, longest first
}

// NewService compiles the built-in patterns. Invalid patterns are logged and
// skipped.
func NewService(logger *slog.Logger) *Service {
	s := &Service{}
	for name, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			logger.Error("Failed to compile masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.replacement,
		})
	}
	logger.Info("Masking service initialized", "patterns", len(s.patterns))
	return s
}

// RegisterValues records resolved credential values for literal scrubbing.
// Short values are ignored: masking "a" would shred unrelated text.
func (s *Service) RegisterValues(values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		if len(v) < 4 {
			continue
		}
		s.values = append(s.values, v)
	}
	// Longest first so substrings of longer secrets mask cleanly.
	for i := 1; i < len(s.values); i++ {
		for j := i; j > 0 && len(s.values[j]) > len(s.values[j-1]); j-- {
			s.values[j], s.values[j-1] = s.values[j-1], s.values[j]
		}
	}
}

// Mask scrubs registered credential values and built-in token shapes from a
// string.
func (s *Service) Mask(content string) string {
	if content == "" {
		return content
	}
	s.mu.RLock()
	for _, v := range s.values {
		content = strings.ReplaceAll(content, v, MaskedValue)
	}
	s.mu.RUnlock()
	for _, p := range s.patterns {
		content = p.Regex.ReplaceAllString(content, p.Replacement)
	}
	return content
}

// MaskValue scrubs recursively through maps, slices, and strings, leaving
// other leaves untouched.
func (s *Service) MaskValue(v any) any {
	switch t := v.(type) {
	case string:
		return s.Mask(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.MaskValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.MaskValue(val)
		}
		return out
	default:
		return v
	}
}
