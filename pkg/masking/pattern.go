// Package masking redacts recognized secret shapes from strings and log
// output. All server logging is routed through a redacting slog handler so
// provider API keys, bearer tokens, and credential JSON fields never reach
// log sinks in the clear.
package masking

import "regexp"

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns returns the ordered redaction pattern set.
//
// Order matters: more specific prefixes (Anthropic "sk-ant-") must run
// before the general OpenAI "sk-" pattern, otherwise the general pattern
// clips the specific one mid-token.
func builtinPatterns() []*CompiledPattern {
	specs := []struct {
		name        string
		pattern     string
		replacement string
		description string
	}{
		{
			name:        "anthropic_api_key",
			pattern:     `sk-ant-[A-Za-z0-9_-]{10,}`,
			replacement: `sk-ant-[REDACTED]`,
			description: "Anthropic API keys",
		},
		{
			name:        "openai_api_key",
			pattern:     `sk-[A-Za-z0-9_-]{10,}`,
			replacement: `sk-[REDACTED]`,
			description: "OpenAI API keys",
		},
		{
			name:        "google_api_key",
			pattern:     `AIza[A-Za-z0-9_-]{30,}`,
			replacement: `AIza[REDACTED]`,
			description: "Google API keys",
		},
		{
			name:        "aws_access_key",
			pattern:     `AKIA[A-Z0-9]{16}`,
			replacement: `AKIA[REDACTED]`,
			description: "AWS access key ids",
		},
		{
			name:        "bearer_token",
			pattern:     `(?i)(bearer\s+)[A-Za-z0-9._~+/-]{8,}=*`,
			replacement: `${1}[REDACTED]`,
			description: "Bearer authorization tokens",
		},
		{
			name:        "token_json_field",
			pattern:     `(?i)("(?:access_token|refresh_token|id_token)"\s*:\s*")[^"]+(")`,
			replacement: `${1}[REDACTED]${2}`,
			description: "OAuth token JSON fields",
		},
		{
			name:        "api_key_header",
			pattern:     `(?i)((?:x-api-key|api[_-]?key)["']?\s*[:=]\s*["']?)[A-Za-z0-9_-]{8,}`,
			replacement: `${1}[REDACTED]`,
			description: "API key headers and assignments",
		},
	}

	patterns := make([]*CompiledPattern, 0, len(specs))
	for _, s := range specs {
		patterns = append(patterns, &CompiledPattern{
			Name:        s.name,
			Regex:       regexp.MustCompile(s.pattern),
			Replacement: s.replacement,
			Description: s.description,
		})
	}
	return patterns
}
