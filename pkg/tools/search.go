package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/sandbox"
)

// searchMatchLimit caps how many grep hits come back to the model.
const searchMatchLimit = 100

// searchFiles greps the project tree inside the sandbox.
func (r *Registry) searchFiles() *Tool {
	return &Tool{
		Name:        "searchFiles",
		Description: "Search project files for a text pattern and return matching lines with file and line number.",
		Category:    CategorySearch,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Text or basic regex to search for.", "minLength": 1},
				"path": {"type": "string", "description": "Directory to search, relative to the project root. Defaults to the whole project."}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				Query string `json:"query"`
				Path  string `json:"path"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			dir := "."
			if in.Path != "" {
				rel, err := models.NormalizePath(in.Path)
				if err != nil {
					return nil, faults.Validation("invalid search path: %v", err)
				}
				dir = rel
			}
			cmd := fmt.Sprintf(
				"grep -rn -I --exclude-dir=node_modules --exclude-dir=.git -e %s %s | head -n %d",
				shellQuote(in.Query), shellQuote(dir), searchMatchLimit)
			res, err := r.sandboxes.Exec(ctx, projectID, cmd, sandbox.ExecOptions{})
			if err != nil {
				return nil, err
			}
			var matches []string
			for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
				if line != "" {
					matches = append(matches, line)
				}
			}
			return map[string]any{"matches": matches, "count": len(matches)}, nil
		},
	}
}

// shellQuote single-quotes an argument for the sandbox shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
