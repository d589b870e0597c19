package wireguard

import (
	"strings"
)

// disabledPrefix marks every line of a peer stanza that has been disabled
// in the server configuration. awg-quick treats such lines as comments.
const disabledPrefix = "#~ "

// nameKey is the pseudo-key under which a "# Name = ..." comment is stored.
const nameKey = "#Name"

type entry struct {
	key   string
	value string
}

// section is one bracketed block of a wg-quick style file together with
// the raw line range it occupies, so callers can splice it out or rewrite it.
type section struct {
	name     string
	disabled bool
	entries  []entry
	start    int // index of the header line
	end      int // index one past the last line of the block
}

func (s *section) get(key string) string {
	for _, e := range s.entries {
		if e.key == key {
			return e.value
		}
	}
	return ""
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}

// parseSections walks the lines and groups them into sections. Lines before
// the first header are ignored.
func parseSections(lines []string) []section {
	var sections []section
	var current *section

	for i, line := range lines {
		if name, disabled, ok := sectionHeader(line); ok {
			if current != nil {
				current.end = i
				sections = append(sections, *current)
			}
			current = &section{name: name, disabled: disabled, start: i}
			continue
		}
		if current == nil {
			continue
		}
		if key, value, ok := keyValue(line); ok {
			current.entries = append(current.entries, entry{key: key, value: value})
		}
	}

	if current != nil {
		current.end = len(lines)
		sections = append(sections, *current)
	}
	return sections
}

func stripDisabled(line string) (string, bool) {
	s := strings.TrimSpace(line)
	if strings.HasPrefix(s, strings.TrimSpace(disabledPrefix)) {
		return strings.TrimSpace(strings.TrimPrefix(s, strings.TrimSpace(disabledPrefix))), true
	}
	return s, false
}

func sectionHeader(line string) (string, bool, bool) {
	s, disabled := stripDisabled(line)
	if len(s) > 2 && strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return strings.TrimSpace(s[1 : len(s)-1]), disabled, true
	}
	return "", false, false
}

func keyValue(line string) (string, string, bool) {
	s, _ := stripDisabled(line)
	if s == "" {
		return "", "", false
	}

	if strings.HasPrefix(s, "#") {
		k, v, found := strings.Cut(strings.TrimSpace(strings.TrimPrefix(s, "#")), "=")
		if found && strings.TrimSpace(k) == "Name" {
			return nameKey, strings.TrimSpace(v), true
		}
		return "", "", false
	}

	// Keys are base64 and may end in '=', so only the first '=' separates.
	k, v, found := strings.Cut(s, "=")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinLines(lines []string) string {
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}
