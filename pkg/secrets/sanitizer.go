// Package secrets redacts credential-shaped substrings out of captured
// object previews before they reach a snapshot artifact, a log line, or the
// query shell's output.
package secrets

import (
	"regexp"
	"strings"
)

// Config controls which optional redaction classes the Sanitizer applies on
// top of its always-on credential patterns.
type Config struct {
	RedactEmails bool
	RedactIPs    bool
	// CustomPatterns are additional regexes, keyed by name, redacted in full.
	CustomPatterns map[string]string
}

// DefaultConfig returns the sanitizer configuration used by the traversal
// engine when building node previews: credential-shaped text is always
// redacted, emails and IPs are left alone since object previews are a
// debugging aid and those are frequently load-bearing for identifying which
// object is which.
func DefaultConfig() Config {
	return Config{
		RedactEmails:   false,
		RedactIPs:      false,
		CustomPatterns: make(map[string]string),
	}
}

// Sanitizer redacts credential-shaped substrings from preview text.
type Sanitizer struct {
	patterns       map[string]*regexp.Regexp
	redactEmails   bool
	redactIPs      bool
	customPatterns map[string]*regexp.Regexp
}

// New builds a Sanitizer from config, compiling its pattern table once so
// Sanitize stays cheap on the traversal engine's hot path.
func New(config Config) *Sanitizer {
	s := &Sanitizer{
		patterns:       make(map[string]*regexp.Regexp),
		customPatterns: make(map[string]*regexp.Regexp),
		redactEmails:   config.RedactEmails,
		redactIPs:      config.RedactIPs,
	}
	s.compilePatterns()
	for name, pattern := range config.CustomPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			s.customPatterns[name] = re
		}
	}
	return s
}

func (s *Sanitizer) compilePatterns() {
	s.patterns["url_password"] = regexp.MustCompile(`(://[^:@]+:)([^@]+?)(@)`)
	s.patterns["bearer_token"] = regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9\-._~+/]+=*)`)
	s.patterns["api_key"] = regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*)([a-zA-Z0-9\-._~+/]+)`)
	s.patterns["jwt"] = regexp.MustCompile(`(eyJ[a-zA-Z0-9\-._~+/]+=*\.eyJ[a-zA-Z0-9\-._~+/]+=*\.[a-zA-Z0-9\-._~+/]+=*)`)
	s.patterns["aws_access_key"] = regexp.MustCompile(`(?i)(aws[_-]?access[_-]?key[_-]?id\s*[=:]\s*)([A-Z0-9]{20})`)
	s.patterns["aws_secret_key"] = regexp.MustCompile(`(?i)(aws[_-]?secret[_-]?access[_-]?key\s*[=:]\s*)([A-Za-z0-9/+=]{40})`)
	s.patterns["password"] = regexp.MustCompile(`(?i)(password\s*[=:]\s*)([^\s,&]+)`)
	s.patterns["token"] = regexp.MustCompile(`(?i)(token\s*[=:]\s*)([a-zA-Z0-9\-._~+/]{16,})`)
	s.patterns["secret"] = regexp.MustCompile(`(?i)(secret\s*[=:]\s*)([a-zA-Z0-9\-._~+/]{16,})`)
	s.patterns["credit_card"] = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)
	s.patterns["ssn"] = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

	if s.redactEmails {
		s.patterns["email"] = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)
	}
	if s.redactIPs {
		s.patterns["ipv4"] = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	}
}

// Sanitize redacts credential-shaped substrings in a node preview string.
// The heap source calls it on a preview's full text, before truncating it
// to the configured preview cap.
func (s *Sanitizer) Sanitize(input string) string {
	if input == "" {
		return input
	}

	result := input

	if re, ok := s.patterns["url_password"]; ok {
		result = re.ReplaceAllString(result, "${1}****${3}")
	}
	if re, ok := s.patterns["bearer_token"]; ok {
		result = re.ReplaceAllString(result, "${1}****")
	}
	if re, ok := s.patterns["jwt"]; ok {
		result = re.ReplaceAllString(result, "****")
	}
	if re, ok := s.patterns["api_key"]; ok {
		result = re.ReplaceAllString(result, "${1}****")
	}
	if re, ok := s.patterns["aws_access_key"]; ok {
		result = re.ReplaceAllString(result, "${1}****")
	}
	if re, ok := s.patterns["aws_secret_key"]; ok {
		result = re.ReplaceAllString(result, "${1}****")
	}
	for _, name := range []string{"password", "token", "secret"} {
		if re, ok := s.patterns[name]; ok {
			result = re.ReplaceAllString(result, "${1}****")
		}
	}
	if re, ok := s.patterns["credit_card"]; ok {
		result = re.ReplaceAllStringFunc(result, func(match string) string {
			cleaned := strings.NewReplacer("-", "", " ", "").Replace(match)
			if len(cleaned) >= 4 {
				return "****-****-****-" + cleaned[len(cleaned)-4:]
			}
			return "****"
		})
	}
	if re, ok := s.patterns["ssn"]; ok {
		result = re.ReplaceAllString(result, "***-**-****")
	}
	if re, ok := s.patterns["email"]; ok {
		result = re.ReplaceAllStringFunc(result, func(email string) string {
			parts := strings.Split(email, "@")
			if len(parts) == 2 && len(parts[0]) > 0 {
				return parts[0][:1] + "****@" + parts[1]
			}
			return "****@****.***"
		})
	}
	if re, ok := s.patterns["ipv4"]; ok {
		result = re.ReplaceAllStringFunc(result, func(ip string) string {
			parts := strings.Split(ip, ".")
			if len(parts) == 4 {
				return parts[0] + "." + parts[1] + ".***.**"
			}
			return "***.***.***.***"
		})
	}

	for _, re := range s.customPatterns {
		result = re.ReplaceAllString(result, "****")
	}

	return result
}

// Truncate caps s at maxLen bytes, appending an ellipsis marker when
// truncation occurred. The heap source calls this after Sanitize so
// the preview cap from spec.md §4.1 (256 bytes for strings, 128 for user
// instances) is enforced independently of redaction.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
