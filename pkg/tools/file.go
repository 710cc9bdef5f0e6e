package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"

	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
)

// batchWriteConcurrency bounds parallel sandbox writes in batchWriteFiles.
const batchWriteConcurrency = 8

// readFile reads one file from the sandbox.
func (r *Registry) readFile() *Tool {
	return &Tool{
		Name:        "readFile",
		Description: "Read the contents of a project file from the sandbox.",
		Category:    CategoryFile,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the project root.", "minLength": 1}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			rel, err := models.NormalizePath(in.Path)
			if err != nil {
				return nil, faults.Validation("invalid file path: %v", err)
			}
			pc, err := r.contexts.Get(ctx, projectID)
			if err != nil {
				return nil, err
			}
			inst, err := r.sandboxes.EnsureSandbox(ctx, projectID)
			if err != nil {
				return nil, err
			}
			content, err := inst.ReadFile(ctx, path.Join(pc.ProjectDir, rel))
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", rel, err)
			}
			return map[string]string{"path": rel, "content": content}, nil
		},
	}
}

// writeFile writes one file to the sandbox and records it in the context
// store, reporting whether it was created or updated.
func (r *Registry) writeFile() *Tool {
	return &Tool{
		Name:        "writeFile",
		Description: "Create or overwrite a project file with the given content.",
		Category:    CategoryFile,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the project root.", "minLength": 1, "pattern": "^[^/]"},
				"content": {"type": "string", "description": "Full file content."}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			status, err := r.writeOne(ctx, projectID, in.Path, in.Content)
			if err != nil {
				return nil, err
			}
			rel, _ := models.NormalizePath(in.Path)
			return map[string]string{"path": rel, "status": string(status)}, nil
		},
	}
}

// writeOne is the shared single-file write path: normalize, write into the
// sandbox, record in the context store.
func (r *Registry) writeOne(ctx context.Context, projectID, rawPath, content string) (models.FileStatus, error) {
	rel, err := models.NormalizePath(rawPath)
	if err != nil {
		return "", faults.Validation("invalid file path: %v", err)
	}
	pc, err := r.contexts.Get(ctx, projectID)
	if err != nil {
		return "", err
	}
	inst, err := r.sandboxes.EnsureSandbox(ctx, projectID)
	if err != nil {
		return "", err
	}
	if err := inst.WriteFile(ctx, path.Join(pc.ProjectDir, rel), content); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", rel, err)
	}
	status := models.FileCreated
	if _, exists := pc.Files[rel]; exists {
		status = models.FileUpdated
	}
	_, err = r.contexts.Update(ctx, projectID, models.ContextPatch{
		Files: map[string]models.FileRecord{
			rel: {Content: content, Language: languageFor(rel), Status: status},
		},
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// editFile applies a diff-match-patch text patch to one file.
func (r *Registry) editFile() *Tool {
	return &Tool{
		Name:        "editFile",
		Description: "Apply a patch (diff-match-patch text format) to an existing project file.",
		Category:    CategoryFile,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the project root.", "minLength": 1, "pattern": "^[^/]"},
				"patch": {"type": "string", "description": "Patch in diff-match-patch text format.", "minLength": 1}
			},
			"required": ["path", "patch"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				Path  string `json:"path"`
				Patch string `json:"patch"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			rel, err := models.NormalizePath(in.Path)
			if err != nil {
				return nil, faults.Validation("invalid file path: %v", err)
			}
			pc, err := r.contexts.Get(ctx, projectID)
			if err != nil {
				return nil, err
			}
			rec, tracked := pc.Files[rel]
			if !tracked {
				return nil, faults.NotFound("file %s is not tracked in this project", rel)
			}

			dmp := diffmatchpatch.New()
			patches, err := dmp.PatchFromText(in.Patch)
			if err != nil {
				return nil, faults.Validation("invalid patch: %v", err)
			}
			if len(patches) == 0 {
				return nil, faults.Validation("patch is empty")
			}
			patched, applied := dmp.PatchApply(patches, rec.Content)
			for i, ok := range applied {
				if !ok {
					return nil, fmt.Errorf("patch hunk %d did not apply to %s", i+1, rel)
				}
			}

			status, err := r.writeOne(ctx, projectID, rel, patched)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": rel, "status": string(status), "hunks_applied": len(applied)}, nil
		},
	}
}

type batchWriteEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type batchWriteFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// batchWriteFiles writes many files concurrently and records them as a
// single context update, so subscribers see one files-changed event
// covering the whole batch.
func (r *Registry) batchWriteFiles() *Tool {
	return &Tool{
		Name:        "batchWriteFiles",
		Description: "Create or overwrite multiple project files in one call. Prefer this over repeated writeFile calls.",
		Category:    CategoryBatchFile,
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"files": {
					"type": "array",
					"description": "Files to write.",
					"items": {
						"type": "object",
						"properties": {
							"path": {"type": "string", "description": "File path relative to the project root.", "minLength": 1, "pattern": "^[^/]"},
							"content": {"type": "string", "description": "Full file content."}
						},
						"required": ["path", "content"],
						"additionalProperties": false
					},
					"minItems": 1
				}
			},
			"required": ["files"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, projectID string, input json.RawMessage) (any, error) {
			var in struct {
				Files []batchWriteEntry `json:"files"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			pc, err := r.contexts.Get(ctx, projectID)
			if err != nil {
				return nil, err
			}
			inst, err := r.sandboxes.EnsureSandbox(ctx, projectID)
			if err != nil {
				return nil, err
			}

			var (
				mu      sync.Mutex
				created []string
				updated []string
				failed  []batchWriteFailure
				records = make(map[string]models.FileRecord)
			)
			fail := func(p, msg string) {
				mu.Lock()
				failed = append(failed, batchWriteFailure{Path: p, Error: msg})
				mu.Unlock()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(batchWriteConcurrency)
			for _, f := range in.Files {
				rel, err := models.NormalizePath(f.Path)
				if err != nil {
					fail(f.Path, fmt.Sprintf("invalid file path: %v", err))
					continue
				}
				content := f.Content
				g.Go(func() error {
					if err := inst.WriteFile(gctx, path.Join(pc.ProjectDir, rel), content); err != nil {
						fail(rel, err.Error())
						return nil
					}
					status := models.FileCreated
					if _, exists := pc.Files[rel]; exists {
						status = models.FileUpdated
					}
					mu.Lock()
					if status == models.FileCreated {
						created = append(created, rel)
					} else {
						updated = append(updated, rel)
					}
					records[rel] = models.FileRecord{Content: content, Language: languageFor(rel), Status: status}
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}

			if len(records) > 0 {
				if _, err := r.contexts.Update(ctx, projectID, models.ContextPatch{Files: records}); err != nil {
					return nil, err
				}
			}
			sort.Strings(created)
			sort.Strings(updated)
			return map[string]any{"created": created, "updated": updated, "failed": failed}, nil
		},
	}
}

// languageFor derives a display language from the file extension.
func languageFor(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".css":
		return "css"
	case ".html":
		return "html"
	case ".json":
		return "json"
	case ".md":
		return "markdown"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}
