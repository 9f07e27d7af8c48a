package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternCred       PatternType = "CRED"
	PatternEmail      PatternType = "EMAIL"
	PatternPrivateKey PatternType = "KEY"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

var (
	// key=value pairs where the key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*\S+)`)

	emailRe = regexp.MustCompile(`\b([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})\b`)

	// 32-byte hex strings: private keys. 20-byte wallet addresses are left alone.
	privateKeyRe = regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{64}\b`)
)

// Scan finds sensitive values in text and returns deduplicated matches
// sorted by position.
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, value string, start int) {
		value = strings.TrimRight(value, ".,;:\"'`)}]")
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}

	for _, loc := range credKVRe.FindAllStringIndex(text, -1) {
		add(PatternCred, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range emailRe.FindAllStringIndex(text, -1) {
		add(PatternEmail, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range privateKeyRe.FindAllStringIndex(text, -1) {
		add(PatternPrivateKey, text[loc[0]:loc[1]], loc[0])
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

// Text replaces every sensitive value in text with [REDACTED:<type>].
// Longer values are replaced first.
func Text(text string) string {
	matches := Scan(text)
	if len(matches) == 0 {
		return text
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].Value) > len(matches[j].Value)
	})
	for _, m := range matches {
		text = strings.ReplaceAll(text, m.Value, "[REDACTED:"+string(m.Type)+"]")
	}
	return text
}
