// Package rules applies deterministic transcript substitutions loaded
// from a rules file. Two rule shapes are supported per line:
//
//	from => to            case-insensitive literal replacement
//	s/pattern/replace/gi  sed-style regex (flags: g i m s)
//
// Blank lines and lines starting with # are ignored.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

type rule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

// Engine applies the compiled rules until a fixed point or the
// iteration limit, whichever comes first.
type Engine struct {
	rules     []rule
	loopLimit int
}

// NewEngine loads and compiles rules from a file. A missing file or an
// empty path yields an engine that passes text through unchanged.
func NewEngine(path string, loopLimit int) (*Engine, error) {
	if loopLimit <= 0 {
		loopLimit = 30
	}
	if strings.TrimSpace(path) == "" {
		return &Engine{loopLimit: loopLimit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{loopLimit: loopLimit}, nil
		}
		return nil, fmt.Errorf("read rules file %q: %w", path, err)
	}

	compiled, err := compile(string(contents))
	if err != nil {
		return nil, fmt.Errorf("parse rules file %q: %w", path, err)
	}
	return &Engine{rules: compiled, loopLimit: loopLimit}, nil
}

// Apply transforms text deterministically.
func (e *Engine) Apply(text string) (string, error) {
	if len(e.rules) == 0 {
		return text, nil
	}

	result := text
	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, r := range e.rules {
			next, applied := r.apply(result)
			if applied {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return result, nil
}

func (r rule) apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}
	loc := r.re.FindStringIndex(input)
	if loc == nil {
		return input, false
	}
	segment := r.re.ReplaceAllString(input[loc[0]:loc[1]], r.replacement)
	output := input[:loc[0]] + segment + input[loc[1]:]
	return output, output != input
}

func compile(contents string) ([]rule, error) {
	var rules []rule
	for index, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var compiled rule
		var err error
		switch {
		case isRegexLine(line):
			compiled, err = compileRegexRule(line)
		case strings.Contains(line, "=>"):
			compiled, err = compileLiteralRule(line)
		default:
			err = errors.New("unsupported rule format")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		rules = append(rules, compiled)
	}
	return rules, nil
}

func compileLiteralRule(line string) (rule, error) {
	parts := strings.SplitN(line, "=>", 2)
	from := strings.TrimSpace(parts[0])
	to := strings.TrimSpace(parts[1])
	if from == "" {
		return rule{}, errors.New("literal rule source cannot be empty")
	}

	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(from))
	if err != nil {
		return rule{}, fmt.Errorf("invalid literal source: %w", err)
	}
	return rule{re: re, replacement: to, global: true}, nil
}

func compileRegexRule(line string) (rule, error) {
	delim := line[1]
	pattern, pos, err := readDelimited(line, 2, delim)
	if err != nil {
		return rule{}, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := readDelimited(line, pos, delim)
	if err != nil {
		return rule{}, fmt.Errorf("invalid regex replacement: %w", err)
	}

	global := false
	prefix := "i"
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'g':
			global = true
		case 'i':
			// Case-insensitive is the default for voice input.
		case 'm':
			prefix += "m"
		case 's':
			prefix += "s"
		case ' ':
		default:
			return rule{}, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + prefix + ")" + pattern)
	if err != nil {
		return rule{}, fmt.Errorf("invalid regex: %w", err)
	}
	return rule{re: re, replacement: replacement, global: global}, nil
}

func readDelimited(line string, start int, delim byte) (string, int, error) {
	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		if escaped {
			builder.WriteByte(char)
			escaped = false
			continue
		}
		switch char {
		case '\\':
			escaped = true
			builder.WriteByte(char)
		case delim:
			return builder.String(), index + 1, nil
		default:
			builder.WriteByte(char)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func isRegexLine(line string) bool {
	if len(line) < 2 || line[0] != 's' {
		return false
	}
	delim := line[1]
	switch {
	case delim >= 'a' && delim <= 'z', delim >= 'A' && delim <= 'Z',
		delim >= '0' && delim <= '9', delim == ' ', delim == '\t':
		return false
	}
	return true
}
