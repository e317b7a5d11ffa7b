// Package contracts validates the change-request artifact before the final
// gate: required sections must exist and carry real content, not template
// placeholders.
package contracts

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxChangeRequestBytes bounds the document size the validator will accept.
const MaxChangeRequestBytes = 64 * 1024

var placeholders = map[string]bool{
	"todo": true,
	"tbd":  true,
	"-":    true,
	"n/a":  true,
	"na":   true,
}

type section struct {
	key     string
	title   string
	aliases []string
}

var sections = []section{
	{"objective", "Objective", []string{"objective"}},
	{"scope", "Scope", []string{"scope"}},
	{"out_of_scope", "Out of scope", []string{"out of scope"}},
	{"definition_of_done", "Definition of done", []string{"definition of done", "done criteria"}},
	{"risks", "Risks", []string{"risks", "risk"}},
}

var (
	nonAlnumRe  = regexp.MustCompile(`[^a-z0-9]+`)
	kvHeaderRe  = regexp.MustCompile(`^([A-Za-z][A-Za-z\s\-]+):\s*(.*)$`)
	bulletRe    = regexp.MustCompile(`^\s*[-*+]\s*`)
	numberRe    = regexp.MustCompile(`^\d+\.\s*`)
)

func normalizeLabel(label string) string {
	return strings.TrimSpace(nonAlnumRe.ReplaceAllString(strings.ToLower(label), " "))
}

func matchSection(label string) string {
	normalized := normalizeLabel(label)
	for _, s := range sections {
		for _, alias := range s.aliases {
			if normalized == alias {
				return s.key
			}
		}
	}
	return ""
}

// sectionStart returns the section key a line opens, plus any inline content
// after a "Label:" header. Both "## Label" headings and "Label: value" lines
// count as section starts.
func sectionStart(line string) (string, string) {
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return "", ""
	}

	if strings.HasPrefix(stripped, "#") {
		label := strings.TrimSpace(strings.TrimLeft(stripped, "#"))
		return matchSection(label), ""
	}

	m := kvHeaderRe.FindStringSubmatch(stripped)
	if m == nil {
		return "", ""
	}
	return matchSection(strings.TrimSpace(m[1])), strings.TrimSpace(m[2])
}

func isPlaceholderLine(line string) bool {
	text := bulletRe.ReplaceAllString(strings.TrimSpace(line), "")
	text = numberRe.ReplaceAllString(text, "")
	if text == "" {
		return true
	}
	return placeholders[normalizeLabel(text)]
}

func hasMeaningfulContent(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !isPlaceholderLine(line) {
			return true
		}
	}
	return false
}

// ValidateChangeRequest checks a change-request document against the
// contract. It returns ok plus the list of issues found; an empty issue list
// means the document passed.
func ValidateChangeRequest(content []byte) (bool, []string) {
	var issues []string

	if len(content) == 0 {
		issues = append(issues, "document is empty")
	}
	if len(content) > MaxChangeRequestBytes {
		issues = append(issues, "document is too large")
	}
	if !utf8.Valid(content) {
		issues = append(issues, "document must be valid UTF-8 text")
		return false, issues
	}

	found := map[string][]string{}
	current := ""
	for _, line := range strings.Split(string(content), "\n") {
		key, inline := sectionStart(line)
		if key != "" {
			current = key
			if _, ok := found[key]; !ok {
				found[key] = nil
			}
			if inline != "" {
				found[key] = append(found[key], inline)
			}
			continue
		}
		if current != "" {
			found[current] = append(found[current], line)
		}
	}

	for _, s := range sections {
		lines, ok := found[s.key]
		if !ok {
			issues = append(issues, "missing required section: "+s.title)
			continue
		}
		if !hasMeaningfulContent(lines) {
			issues = append(issues, "section has empty or placeholder content: "+s.title)
		}
	}

	return len(issues) == 0, issues
}
