// Package extract recovers structured data from LLM free-text output. Model
// responses are expected to contain one JSON object, but in practice it
// arrives wrapped in code fences or prose, and occasionally with unescaped
// quotes inside string values. The extractor locates the object, repairs the
// common defects, and validates it against the search-criteria schema; when
// full parsing is impossible it falls back to regex field harvesting and
// returns a result explicitly marked as degraded.
package extract

import (
	"fmt"
	"strings"
)

const excerptLen = 500

// ExtractionError reports that no usable structure could be recovered, even
// after repair. The offending raw-text excerpt is attached so the caller can
// surface it.
type ExtractionError struct {
	Reason     string
	RawExcerpt string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

// Object locates one JSON object inside raw text and returns the repaired
// candidate string. Search order: the interior of a ```json fenced block, an
// object following a bare "json" label, then the first balanced object in
// the raw text. Trailing prose after a balanced object is fine; the object
// itself is what gets returned.
func Object(raw string) (string, error) {
	// A fenced block labelled json is the strongest signal.
	if start := strings.Index(raw, "```json"); start != -1 {
		if end := strings.Index(raw[start+7:], "```"); end != -1 {
			interior := strings.TrimSpace(raw[start+7 : start+7+end])
			if candidate := objectAt(interior, strings.Index(interior, "{")); candidate != "" {
				return candidate, nil
			}
		}
		// Unterminated fence: fall through to the balanced scan below,
		// starting after the label.
		if candidate := objectAt(raw, strings.Index(raw[start:], "{")+start); candidate != "" {
			return candidate, nil
		}
	}

	// A bare "json" label without proper fencing.
	if pos := strings.Index(raw, "json"); pos != -1 {
		if brace := strings.Index(raw[pos:], "{"); brace != -1 {
			if candidate := objectAt(raw, pos+brace); candidate != "" {
				return candidate, nil
			}
		}
	}

	// Last resort: the first balanced object anywhere in the text.
	if candidate := objectAt(raw, strings.Index(raw, "{")); candidate != "" {
		return candidate, nil
	}

	return "", &ExtractionError{
		Reason:     "no balanced JSON object found",
		RawExcerpt: excerpt(raw),
	}
}

// objectAt extracts the balanced object starting at start and applies one
// repair pass. Returns "" when start is invalid or the braces never balance.
func objectAt(text string, start int) string {
	obj := balancedObject(text, start)
	if obj == "" {
		return ""
	}
	return repairUnescapedQuotes(obj)
}

// balancedObject scans linearly from the candidate '{' tracking string mode,
// escapes, and brace depth. The object ends where the depth returns to zero;
// anything after that is ignored.
func balancedObject(text string, start int) string {
	if start < 0 || start >= len(text) || text[start] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}

	return ""
}

// repairUnescapedQuotes fixes the common LLM defect of a raw '"' inside a
// string value. It only touches lines shaped like `"key": "value..."` whose
// value contains unescaped interior quotes; the closing quote is taken to be
// the last one before the optional trailing comma. Well-formed lines pass
// through untouched.
func repairUnescapedQuotes(jsonStr string) string {
	lines := strings.Split(jsonStr, "\n")
	changed := false

	for i, line := range lines {
		fixed, ok := repairLine(line)
		if ok {
			lines[i] = fixed
			changed = true
		}
	}

	if !changed {
		return jsonStr
	}
	return strings.Join(lines, "\n")
}

func repairLine(line string) (string, bool) {
	colon := strings.Index(line, `":`)
	if colon == -1 {
		return line, false
	}

	rest := line[colon+2:]
	open := strings.Index(rest, `"`)
	if open == -1 {
		return line, false
	}

	valueAndAfter := rest[open+1:]
	trailing := ""
	switch {
	case strings.HasSuffix(valueAndAfter, `",`):
		trailing = `",`
	case strings.HasSuffix(valueAndAfter, `"`):
		trailing = `"`
	default:
		return line, false
	}

	value := valueAndAfter[:len(valueAndAfter)-len(trailing)]
	if !hasUnescapedQuote(value) {
		return line, false
	}

	var b strings.Builder
	for j := 0; j < len(value); j++ {
		if value[j] == '"' && (j == 0 || value[j-1] != '\\') {
			b.WriteString(`\"`)
			continue
		}
		b.WriteByte(value[j])
	}

	prefix := line[:colon+2] + rest[:open+1]
	return prefix + b.String() + trailing, true
}

func hasUnescapedQuote(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '"' && (i == 0 || s[i-1] != '\\') {
			return true
		}
	}
	return false
}

func excerpt(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= excerptLen {
		return raw
	}
	return raw[:excerptLen] + "..."
}
