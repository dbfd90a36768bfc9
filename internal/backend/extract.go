package backend

import "strings"

// extraction strategies are tried in order; the first whose shape matches
// the raw text decides the outcome. A matching strategy that yields an empty
// fragment is a typed failure, never a silent empty result.
var strategies = []func(string) (code string, matched bool){
	taggedFence,
	anyFence,
	trimmedText,
}

// ExtractCode pulls the executable fragment out of a raw backend response.
// Precedence: a ```python fence, then any fence (stripping a leading
// language token), then the whole trimmed text as a last resort.
func ExtractCode(raw string) (string, error) {
	for _, strat := range strategies {
		code, matched := strat(raw)
		if !matched {
			continue
		}
		if code == "" {
			return "", ErrNoCode
		}
		return code, nil
	}
	return "", ErrNoCode
}

func taggedFence(raw string) (string, bool) {
	const open = "```python"
	start := strings.Index(raw, open)
	if start < 0 {
		return "", false
	}
	rest := raw[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end]), true
}

func anyFence(raw string) (string, bool) {
	start := strings.Index(raw, "```")
	if start < 0 {
		return "", false
	}
	rest := raw[start+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		end = len(rest)
	}
	code := strings.TrimSpace(rest[:end])

	// Models often put the language token on the fence line.
	if first, remainder, found := strings.Cut(code, "\n"); found && isLanguageToken(first) {
		code = strings.TrimSpace(remainder)
	} else if !found && isLanguageToken(code) {
		code = ""
	}
	return code, true
}

func trimmedText(raw string) (string, bool) {
	return strings.TrimSpace(raw), true
}

func isLanguageToken(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "python3", "py":
		return true
	}
	return false
}
