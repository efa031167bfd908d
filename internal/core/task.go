package core

// Task is the declarative description of one unit of pipeline work.
//
// Name addresses the task in graphs and logs and does not affect its hash.
// Everything else does.
type Task struct {
	Name string `json:"name" yaml:"name"`

	// Kind selects the action that performs the task (e.g. "generate").
	Kind string `json:"kind" yaml:"kind"`

	// Module is the owning module, if any.
	Module string `json:"module,omitempty" yaml:"module,omitempty"`

	// Inputs are file paths, directories or glob patterns relative to the
	// working directory. Directories contribute every file beneath them.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Outputs are the files or directories the task owns exclusively.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Params carries kind-specific settings that shape the result.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Param returns the named parameter or the empty string.
func (t *Task) Param(key string) string {
	if t == nil || t.Params == nil {
		return ""
	}
	return t.Params[key]
}
