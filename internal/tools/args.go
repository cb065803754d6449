package tools

// Args is the sum type over the argument shapes of the known tools.
// Each tool's Decode returns exactly one of the variants below.
type Args interface {
	// Path returns the caller-supplied path the call targets.
	Path() string
}

// ListArgs are the arguments of the list tool.
type ListArgs struct {
	Directory string
}

func (a ListArgs) Path() string { return a.Directory }

// ReadArgs are the arguments of the read tool.
type ReadArgs struct {
	FilePath string
}

func (a ReadArgs) Path() string { return a.FilePath }

// WriteArgs are the arguments of the write tool.
type WriteArgs struct {
	FilePath string
	Content  string
}

func (a WriteArgs) Path() string { return a.FilePath }

// RunArgs are the arguments of the run tool.
type RunArgs struct {
	FilePath string
	Args     []string
}

func (a RunArgs) Path() string { return a.FilePath }

// Argument keys shared between tools, schemas and the dispatcher.
const (
	ParamDirectory = "directory"
	ParamFilePath  = "file_path"
	ParamContent   = "content"
	ParamArgs      = "args"
)
