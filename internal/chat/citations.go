package chat

import (
	"regexp"
	"strconv"
)

var (
	bracketRe  = regexp.MustCompile(`\[([^\[\]]+)\]`)
	separators = regexp.MustCompile(`[;,]`)
	citationRe = regexp.MustCompile(`(?i)\bDoc\s*(\d+)(?:\s*p\.?\s*(\d+))?`)
)

// Citation is one label the model emitted. Page is nil when the label had
// none.
type Citation struct {
	Doc  int  `json:"doc"`
	Page *int `json:"page"`
}

// ExtractCitations finds every "Doc <n> [p<m>]" label inside square
// brackets, including merged brackets such as [Doc 1 p2; Doc 3 p5].
// Results keep first-seen order and are deduplicated.
func ExtractCitations(text string) []Citation {
	type key struct{ doc, page int }
	seen := make(map[key]bool)
	var out []Citation

	for _, group := range bracketRe.FindAllStringSubmatch(text, -1) {
		for _, part := range separators.Split(group[1], -1) {
			m := citationRe.FindStringSubmatch(part)
			if m == nil {
				continue
			}
			doc, err := strconv.Atoi(m[1])
			if err != nil || doc <= 0 {
				continue
			}
			c := Citation{Doc: doc}
			k := key{doc: doc}
			if m[2] != "" {
				if page, err := strconv.Atoi(m[2]); err == nil {
					c.Page = &page
					k.page = page
				}
			}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, c)
		}
	}
	return out
}

// FilterSources keeps the sources whose ordinal was cited. When nothing
// matches, the full list is returned so callers never get an empty list for
// a non-empty retrieval.
func FilterSources(sources []Source, cited []Citation) []Source {
	docs := make(map[int]bool, len(cited))
	for _, c := range cited {
		docs[c.Doc] = true
	}
	var out []Source
	for _, s := range sources {
		if docs[s.Doc] {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return sources
	}
	return out
}
