package model

import "time"

// TaskObject declares one pure-function task: a list of input tree paths, an
// output tree path, and an opaque command-IR hash evaluated by the external
// IR evaluator into an argv at execution time.
type TaskObject struct {
	CommandIR Hash       `json:"commandIr"`
	Inputs    []TreePath `json:"inputs"`
	Output    TreePath   `json:"output"`

	// Timeout, if non-zero, bounds a single execution attempt; enforced by
	// the Task Runner via the same process-group kill used for cancellation.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// PackageObject is an immutable bundle of a data structure and its tasks.
type PackageObject struct {
	Data struct {
		Structure Structure `json:"structure"`
		Value     Hash      `json:"value"`
	} `json:"data"`
	Tasks map[string]Hash `json:"tasks"` // task name -> Hash(TaskObject)
}

// WorkspaceState binds a workspace to a deployed package and its current
// data-tree root. The zero value means "created but not deployed".
type WorkspaceState struct {
	PackageName    string    `json:"packageName"`
	PackageVersion string    `json:"packageVersion"`
	PackageHash    Hash      `json:"packageHash"`
	RootHash       Hash      `json:"rootHash"`
	DeployedAt     time.Time `json:"deployedAt"`
	RootUpdatedAt  time.Time `json:"rootUpdatedAt"`
}

// Deployed reports whether the workspace has ever been bound to a package.
func (w WorkspaceState) Deployed() bool {
	return w.PackageHash != ""
}
