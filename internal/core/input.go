package core

// Input is a resolved file whose content contributes to task identity.
//
// Path is relative to the resolver's base directory when the file lives
// beneath it, and always uses forward slashes.
type Input struct {
	Path    string
	Content []byte
}

// InputSet is the complete, path-sorted set of resolved inputs for a task.
type InputSet struct {
	Inputs []Input
}
