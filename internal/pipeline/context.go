package pipeline

import "context"

// Context is the record threaded through the stages of one run. Only the
// stage currently executing touches it. Once Err is set no later stage
// writes Result or Formatted.
type Context struct {
	SessionID string
	Original  string
	Corrected string
	Query     string
	Validated bool
	Result    Result
	Formatted string
	Err       error
}

// Schema describes the searchable entity handed to query generation.
type Schema struct {
	Entity string
	Fields []string
}

type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

type QueryGenerator interface {
	Generate(ctx context.Context, text string, schema Schema, limit int) (string, error)
}

type Executor interface {
	Execute(ctx context.Context, query string) (Response, error)
}

// Hooks receive progress from the goroutine running the pipeline.
type Hooks struct {
	OnProgress func(label string, percent int)
}

func (h Hooks) progress(label string, percent int) {
	if h.OnProgress != nil {
		h.OnProgress(label, percent)
	}
}
