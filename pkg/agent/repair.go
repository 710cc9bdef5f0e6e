package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]+`)

// repairInput applies the mechanical fixes for common model mistakes:
// truncated or sloppy JSON is mended, file paths lose their leading
// slash, project names become lowercase hyphenated slugs. Returns the
// original input when nothing could be fixed.
func repairInput(input json.RawMessage) (json.RawMessage, bool) {
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(string(input))
		if repairErr != nil || json.Unmarshal([]byte(fixed), &doc) != nil {
			return input, false
		}
		repaired, _ := repairValue("", doc)
		out, marshalErr := json.Marshal(repaired)
		if marshalErr != nil {
			return input, false
		}
		return out, true
	}
	repaired, changed := repairValue("", doc)
	if !changed {
		return input, false
	}
	out, err := json.Marshal(repaired)
	if err != nil {
		return input, false
	}
	return out, true
}

// repairValue walks the decoded input. The key under which a string sits
// decides the fix; objects and arrays recurse.
func repairValue(key string, v any) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		changed := false
		for k, item := range val {
			fixed, c := repairValue(k, item)
			if c {
				val[k] = fixed
				changed = true
			}
		}
		return val, changed
	case []any:
		changed := false
		for i, item := range val {
			fixed, c := repairValue(key, item)
			if c {
				val[i] = fixed
				changed = true
			}
		}
		return val, changed
	case string:
		switch key {
		case "path":
			if strings.HasPrefix(val, "/") {
				return strings.TrimLeft(val, "/"), true
			}
		case "projectName", "project_name":
			slug := slugify(val)
			if slug != val {
				return slug, true
			}
		}
		return val, false
	default:
		return v, false
	}
}

// slugify lowercases and hyphenates a project name.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	s = nonSlugChars.ReplaceAllString(s, "")
	return strings.Trim(s, "-")
}
