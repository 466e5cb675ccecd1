package evaluator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Model outputs are frequently near-JSON: wrapped in markdown fences, using
// single quotes, carrying trailing commas or bare keys. repairJSON applies a
// series of fixes and returns the repaired string, or "" when the text
// cannot be coerced into valid JSON.
func repairJSON(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	text = stripMarkdownFences(text)
	if isValidJSON(text) {
		return text
	}

	repaired := fixStructure(text)
	repaired = quoteBareKeys(repaired)
	repaired = fixKeywordsAndQuotes(repaired)
	if isValidJSON(repaired) {
		return repaired
	}
	return ""
}

var (
	fencedJSONPattern = regexp.MustCompile("(?is)```json\\s*([\\s\\S]*?)\\s*```")
	fencedAnyPattern  = regexp.MustCompile("(?s)```\\s*([\\s\\S]*?)\\s*```")
	trailingCommas    = regexp.MustCompile(`,(\s*[}\]])`)
	missingCommas     = regexp.MustCompile(`([}\]])\s*([{\[])`)
	lineComments      = regexp.MustCompile(`//[^\n]*\n`)
	blockComments     = regexp.MustCompile(`(?s)/\*.*?\*/`)
	bareKeyPattern    = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)(\s*:)`)
	bareValuePattern  = regexp.MustCompile(`:\s*([a-zA-Z_][a-zA-Z0-9_]*)([,\s}\]])`)
)

func stripMarkdownFences(text string) string {
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := fencedAnyPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

func fixStructure(text string) string {
	text = lineComments.ReplaceAllString(text, "")
	text = blockComments.ReplaceAllString(text, "")
	text = trailingCommas.ReplaceAllString(text, "$1")
	text = missingCommas.ReplaceAllString(text, "$1,$2")
	return text
}

func quoteBareKeys(text string) string {
	return bareKeyPattern.ReplaceAllString(text, `$1"$2"$3`)
}

// fixKeywordsAndQuotes normalizes Python-style literals, converts
// single-quoted strings to double-quoted ones (outside existing strings),
// and quotes bare word values.
func fixKeywordsAndQuotes(text string) string {
	text = strings.ReplaceAll(text, "None", "null")
	text = strings.ReplaceAll(text, "True", "true")
	text = strings.ReplaceAll(text, "False", "false")

	var sb strings.Builder
	inString := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '"' && (i == 0 || text[i-1] != '\\'):
			inString = !inString
			sb.WriteByte(c)
		case !inString && c == '\'':
			end := strings.IndexByte(text[i+1:], '\'')
			if end >= 0 {
				sb.WriteByte('"')
				sb.WriteString(text[i+1 : i+1+end])
				sb.WriteByte('"')
				i += end + 1
			} else {
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	text = sb.String()

	return bareValuePattern.ReplaceAllStringFunc(text, func(match string) string {
		m := bareValuePattern.FindStringSubmatch(match)
		switch strings.ToLower(m[1]) {
		case "true", "false", "null":
			return ": " + strings.ToLower(m[1]) + m[2]
		}
		return `: "` + m[1] + `"` + m[2]
	})
}

func isValidJSON(text string) bool {
	if text == "" {
		return false
	}
	return json.Valid([]byte(text))
}
