package redact

import (
	"fmt"
	"regexp"
	"sort"
)

// Pattern is a named kind of sensitive value.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Type        string // placeholder prefix: [EMAIL:1a2b]
	Description string
}

var (
	ipv4Regex = regexp.MustCompile(`\b(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)

	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	// key=value style credentials; the key name is kept in the match so
	// the placeholder replaces the whole assignment.
	apiKeyRegex = regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|token|secret|password|passwd|pwd)["\s]*[:=]["\s]*[a-zA-Z0-9_\-]{8,}`)

	// Provider keys as they appear in copied shell snippets and configs.
	providerKeyRegex = regexp.MustCompile(`\b(?:sk-ant-[A-Za-z0-9_\-]{20,}|sk-[A-Za-z0-9]{20,}|AIza[0-9A-Za-z_\-]{35})\b`)

	awsAccessKeyRegex = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)

	jwtRegex = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*\b`)

	privateKeyRegex = regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)

	creditCardRegex = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)
)

// BuiltIn holds every pattern that can be enabled by name.
var BuiltIn = map[string]Pattern{
	"ipv4": {
		Name:        "ipv4",
		Regex:       ipv4Regex,
		Type:        "IPV4",
		Description: "IPv4 addresses",
	},
	"email": {
		Name:        "email",
		Regex:       emailRegex,
		Type:        "EMAIL",
		Description: "Email addresses",
	},
	"api_key": {
		Name:        "api_key",
		Regex:       apiKeyRegex,
		Type:        "SECRET",
		Description: "key=value credentials",
	},
	"provider_key": {
		Name:        "provider_key",
		Regex:       providerKeyRegex,
		Type:        "API_KEY",
		Description: "Anthropic, OpenAI and Gemini API keys",
	},
	"aws_key": {
		Name:        "aws_key",
		Regex:       awsAccessKeyRegex,
		Type:        "AWS_KEY",
		Description: "AWS access key IDs",
	},
	"jwt": {
		Name:        "jwt",
		Regex:       jwtRegex,
		Type:        "JWT",
		Description: "JWT tokens",
	},
	"private_key": {
		Name:        "private_key",
		Regex:       privateKeyRegex,
		Type:        "PRIVATE_KEY",
		Description: "Private key headers",
	},
	"credit_card": {
		Name:        "credit_card",
		Regex:       creditCardRegex,
		Type:        "CC",
		Description: "Credit card numbers",
	},
}

// DefaultPatterns returns the patterns enabled when none are configured.
func DefaultPatterns() []string {
	return []string{"email", "api_key", "provider_key", "aws_key", "jwt", "private_key"}
}

// Names returns every built-in pattern name in sorted order.
func Names() []string {
	names := make([]string, 0, len(BuiltIn))
	for name := range BuiltIn {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the patterns with the given names, in order. Unknown
// names are an error.
func Lookup(names []string) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(names))
	for _, name := range names {
		p, ok := BuiltIn[name]
		if !ok {
			return nil, fmt.Errorf("unknown redaction pattern %q (available: %v)", name, Names())
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}
