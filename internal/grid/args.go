package grid

import "strings"

// ParseServerArgs splits a raw extra-args string into argument tokens.
//
// When the string contains a comma it is split strictly on commas with each
// token trimmed, which tolerates embedded spaces (e.g. template paths).
// Otherwise it falls back to whitespace tokenization for compatibility with
// older space-separated values, which cannot carry embedded spaces.
func ParseServerArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	if strings.Contains(raw, ",") {
		var args []string
		for _, part := range strings.Split(raw, ",") {
			if token := strings.TrimSpace(part); token != "" {
				args = append(args, token)
			}
		}
		return args
	}
	return strings.Fields(raw)
}

// ArgSet is a typed view over server argument tokens. It maps flag names to
// their values so presence checks and overrides never re-scan raw strings.
type ArgSet struct {
	tokens []string
	flags  map[string]string
}

// NewArgSet builds an ArgSet from argument tokens, recognizing both
// "--flag=value" and "--flag value" forms.
func NewArgSet(tokens []string) ArgSet {
	set := ArgSet{
		tokens: append([]string(nil), tokens...),
		flags:  make(map[string]string),
	}
	for i := 0; i < len(tokens); i++ {
		token := tokens[i]
		if !strings.HasPrefix(token, "--") {
			continue
		}
		if name, value, ok := strings.Cut(token, "="); ok {
			set.flags[name] = value
			continue
		}
		if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "--") {
			set.flags[token] = tokens[i+1]
			i++
			continue
		}
		set.flags[token] = ""
	}
	return set
}

// Has reports whether the flag appears in the set, in either form.
func (a ArgSet) Has(flag string) bool {
	_, ok := a.flags[flag]
	return ok
}

// Value returns the value supplied for flag, if any.
func (a ArgSet) Value(flag string) (string, bool) {
	value, ok := a.flags[flag]
	return value, ok
}

// Tokens returns the original argument tokens in order.
func (a ArgSet) Tokens() []string {
	return append([]string(nil), a.tokens...)
}
