package agent

import (
	"github.com/appforge-io/appforge/pkg/models"
	"github.com/appforge-io/appforge/pkg/tools"
)

// activeTools selects the tool subset exposed to the model for one step.
// Step 0 is for orientation and planning; later steps narrow to the work
// the project state calls for, or open the full set.
func (o *Orchestrator) activeTools(step int, pc *models.ProjectContext) []string {
	switch {
	case step == 0:
		return o.toolNames(tools.CategoryPlanning, tools.CategoryProject)
	case pc.BuildStatus != nil && pc.BuildStatus.HasErrors:
		return o.toolNames(tools.CategoryFile, tools.CategoryBatchFile, tools.CategoryBuild)
	case pc.ServerState != nil && pc.ServerState.IsRunning && pc.TaskGraph != nil:
		names := o.toolNames(tools.CategoryFile, tools.CategoryBatchFile, tools.CategoryBuild)
		return append(names, "markStepComplete")
	default:
		return nil // full set
	}
}

func (o *Orchestrator) toolNames(categories ...tools.Category) []string {
	var names []string
	for _, cat := range categories {
		for _, t := range o.registry.ListByCategory(cat) {
			names = append(names, t.Name)
		}
	}
	return names
}

// compress bounds the conversation sent to the model: past the threshold,
// only the first message and the most recent tail survive.
func (o *Orchestrator) compress(msgs []models.Message) []models.Message {
	above := o.cfg.CompressMessagesAbove
	tail := o.cfg.CompressKeepTail
	if above <= 0 || len(msgs) <= above || tail <= 0 || len(msgs) <= tail+1 {
		return msgs
	}
	out := make([]models.Message, 0, tail+1)
	out = append(out, msgs[0])
	out = append(out, msgs[len(msgs)-tail:]...)
	return out
}
