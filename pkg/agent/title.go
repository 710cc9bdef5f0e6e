package agent

import "strings"

// maxTitleLength caps derived project titles.
const maxTitleLength = 50

// titleSkipWords are leading verbs and fillers stripped from the request.
var titleSkipWords = map[string]bool{
	"create": true, "build": true, "make": true, "generate": true,
	"write": true, "design": true, "develop": true, "add": true,
	"me": true, "a": true, "an": true, "the": true, "my": true,
	"please": true, "new": true, "some": true,
}

// titleCutWords end the meaningful noun phrase of the request.
var titleCutWords = map[string]bool{
	"for": true, "with": true, "that": true, "which": true,
	"using": true, "where": true, "so": true, "to": true,
}

// deriveTitle turns the first user message into a short project title:
// leading verbs and articles are stripped, the phrase ends at the first
// qualifier, and the rest is title-cased. An empty result keeps the
// default name.
func deriveTitle(message string) string {
	words := strings.Fields(strings.ToLower(message))

	start := 0
	for start < len(words) && titleSkipWords[words[start]] {
		start++
	}
	var kept []string
	for _, w := range words[start:] {
		w = strings.Trim(w, ".,!?\"'")
		if titleCutWords[w] {
			break
		}
		if w != "" {
			kept = append(kept, titleCase(w))
		}
	}
	title := strings.Join(kept, " ")
	if len(title) > maxTitleLength {
		title = strings.TrimSpace(title[:maxTitleLength])
	}
	return title
}

// titleCase capitalizes a word, including each hyphenated segment
// ("coffee-shop" becomes "Coffee-Shop").
func titleCase(w string) string {
	parts := strings.Split(w, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
