package models

// TaskStatus is the lifecycle state of one plan task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one node in the agent's plan.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Status    TaskStatus `json:"status"`
}

// TaskGraph is the agent's plan: a DAG of user-visible tasks.
type TaskGraph struct {
	Tasks []Task `json:"tasks"`
}

// Clone returns a deep copy of the graph.
func (g *TaskGraph) Clone() *TaskGraph {
	cp := &TaskGraph{Tasks: make([]Task, len(g.Tasks))}
	for i, t := range g.Tasks {
		t.DependsOn = append([]string(nil), t.DependsOn...)
		cp.Tasks[i] = t
	}
	return cp
}

// Find returns the task with the given id, or nil.
func (g *TaskGraph) Find(id string) *Task {
	for i := range g.Tasks {
		if g.Tasks[i].ID == id {
			return &g.Tasks[i]
		}
	}
	return nil
}

// DepsCompleted reports whether every dependency of the task is completed.
func (g *TaskGraph) DepsCompleted(t *Task) bool {
	for _, dep := range t.DependsOn {
		d := g.Find(dep)
		if d == nil || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}
