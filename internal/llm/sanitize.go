package llm

import "strings"

// Sanitize repairs the common ways model output deviates from bare JSON:
// surrounding prose, markdown code fences, trailing commas, and truncation
// mid-object. The result is best-effort; ParseFindings decides whether it is
// actually valid.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	s = stripFences(s)
	s = extractObject(s)
	s = dropTrailingCommas(s)
	s = closeTruncated(s)

	return s
}

// stripFences removes a leading ```json (or bare ```) line and a trailing
// ``` line.
func stripFences(s string) string {
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		// Drop the language tag on the fence line.
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
			s = s[nl+1:]
		}
	}

	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}

	return strings.TrimSpace(s)
}

// extractObject cuts s down to the first top-level JSON object: everything
// before the first '{' is prose, everything after the brace that closes it
// is prose. A truncated object (never closed) is returned as-is for
// closeTruncated to finish.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}

	s = s[start:]

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return s
}

// dropTrailingCommas removes commas that directly precede a closing brace or
// bracket, string contents untouched.
func dropTrailingCommas(s string) string {
	var sb strings.Builder

	sb.Grow(len(s))

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == ',':
			// Look past whitespace for a closer.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}

			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}

		sb.WriteByte(c)
	}

	return sb.String()
}

// closeTruncated appends the closers a truncated response is missing: an
// unterminated string gets its quote, then every open brace and bracket is
// closed innermost-first. A dangling comma at the cut point is dropped and a
// dangling colon gets a null so the appended closers produce parseable JSON.
func closeTruncated(s string) string {
	var stack []byte

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case c == '}' || c == ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		s += `"`
	} else {
		trimmed := strings.TrimRight(s, " \t\n\r")
		switch {
		case strings.HasSuffix(trimmed, ","):
			s = trimmed[:len(trimmed)-1]
		case strings.HasSuffix(trimmed, ":"):
			s = trimmed + " null"
		}
	}

	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}

	return s
}
