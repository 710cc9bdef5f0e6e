package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "app/page.tsx", want: "app/page.tsx"},
		{in: "/app/page.tsx", want: "app/page.tsx"},
		{in: "  components/Nav.tsx  ", want: "components/Nav.tsx"},
		{in: `app\styles\globals.css`, want: "app/styles/globals.css"},
		{in: "app//nested/../page.tsx", want: "app/page.tsx"},
		{in: "", wantErr: true},
		{in: "..", wantErr: true},
		{in: "../outside.txt", wantErr: true},
		{in: "/../../etc/passwd", wantErr: true},
		{in: ".", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskGraphDepsCompleted(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{
		{ID: "scaffold", Status: TaskCompleted},
		{ID: "style", DependsOn: []string{"scaffold"}, Status: TaskPending},
		{ID: "deploy", DependsOn: []string{"style", "missing"}, Status: TaskPending},
	}}

	assert.True(t, g.DepsCompleted(g.Find("style")))
	// Unknown dependency counts as incomplete.
	assert.False(t, g.DepsCompleted(g.Find("deploy")))
}

func TestTaskGraphCloneIsDeep(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{
		{ID: "a", Status: TaskPending},
		{ID: "b", DependsOn: []string{"a"}, Status: TaskPending},
	}}
	cp := g.Clone()
	cp.Tasks[0].Status = TaskCompleted
	cp.Tasks[1].DependsOn[0] = "changed"

	assert.Equal(t, TaskPending, g.Tasks[0].Status)
	assert.Equal(t, "a", g.Tasks[1].DependsOn[0])
}

func TestMessageTextParts(t *testing.T) {
	m := Message{
		Role: RoleAssistant,
		Parts: []MessagePart{
			{Type: PartText, Text: "Building the page. "},
			{Type: PartToolCall, ToolName: "writeFile"},
			{Type: PartText, Text: "Done."},
		},
	}
	assert.Equal(t, "Building the page. Done.", m.TextParts())

	plain := Message{Role: RoleUser, Content: "make a blog"}
	assert.Equal(t, "make a blog", plain.TextParts())
}

func TestProjectContextCloneIsDeep(t *testing.T) {
	pc := NewProjectContext("proj-1")
	pc.Files["app/page.tsx"] = FileRecord{Status: FileCreated}
	pc.Dependencies["react"] = "19.0.0"

	cp := pc.Clone()
	cp.Files["app/page.tsx"] = FileRecord{Status: FileUpdated}
	cp.Dependencies["react"] = "18.0.0"
	cp.ErrorHistory = append(cp.ErrorHistory, "boom")

	assert.Equal(t, FileCreated, pc.Files["app/page.tsx"].Status)
	assert.Equal(t, "19.0.0", pc.Dependencies["react"])
	assert.Empty(t, pc.ErrorHistory)
}
