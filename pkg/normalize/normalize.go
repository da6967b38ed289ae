package normalize

import "strings"

// DefaultTitles are the honorific tokens stripped during name normalization.
var DefaultTitles = []string{
	"mr", "mrs", "ms", "miss", "dr", "prof", "professor",
	"sir", "dame", "lord", "lady", "rev", "reverend",
}

type Normalizer struct {
	titles map[string]struct{}
}

func New(titles []string) *Normalizer {
	if len(titles) == 0 {
		titles = DefaultTitles
	}
	set := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		if trimmed := strings.TrimSpace(strings.ToLower(t)); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return &Normalizer{titles: set}
}

// Name produces the comparison key used for deduplication:
// lowercase, honorific stripped, everything outside letters, hyphens,
// apostrophes and spaces removed, whitespace collapsed. Total: empty
// input yields an empty key.
func (n *Normalizer) Name(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return ""
	}

	s = n.stripTitle(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r == '-' || r == '\'':
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

func (n *Normalizer) stripTitle(s string) string {
	first, rest, _ := strings.Cut(s, " ")
	token := strings.TrimSuffix(first, ".")
	if _, ok := n.titles[token]; ok {
		return strings.TrimSpace(rest)
	}
	return s
}

var std = New(nil)

// Name normalizes with the default honorific list.
func Name(name string) string {
	return std.Name(name)
}
