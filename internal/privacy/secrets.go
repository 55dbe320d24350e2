// Package privacy masks credentials that users paste into questions.
package privacy

import (
	"regexp"
	"strings"
)

// Marker replaces every redacted value.
const Marker = "[REDACTED]"

type rule struct {
	re *regexp.Regexp
	// keyed rules keep everything up to the first separator.
	keyed bool
}

var rules = []rule{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`), true},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`), true},
	{regexp.MustCompile(`(?i)(secret[_-]?key|secret[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`), true},
	{regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*['"]?[a-zA-Z0-9/+=]{40}['"]?`), true},
	{regexp.MustCompile(`sk-(ant-)?[a-zA-Z0-9-]{20,}`), false},
	{regexp.MustCompile(`gh[pous]_[a-zA-Z0-9]{36,}`), false},
	{regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`), false},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), false},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), false},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_.-]{20,}`), false},
	{regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), false},
}

// ContainsSecrets reports whether text looks like it carries a credential.
func ContainsSecrets(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range rules {
		if r.re.MatchString(text) {
			return true
		}
	}
	return false
}

// Redact masks every credential in text and returns the masked text along
// with the number of values replaced. Key names are preserved so that a
// question like "why does password=hunter2hunter2 fail" keeps its shape.
func Redact(text string) (string, int) {
	if text == "" {
		return text, 0
	}
	n := 0
	for _, r := range rules {
		text = r.re.ReplaceAllStringFunc(text, func(match string) string {
			n++
			if r.keyed {
				if idx := strings.IndexAny(match, ":="); idx != -1 {
					return match[:idx+1] + Marker
				}
			}
			if strings.HasPrefix(strings.ToLower(match), "bearer") {
				return match[:len("bearer")] + " " + Marker
			}
			return Marker
		})
	}
	return text, n
}
