package pipeline

import (
	"context"
	"fmt"

	"fleetd/internal/types"
)

// StageContext is what a handler sees: a snapshot of the pipeline, the stage
// it is running, and the outputs of the stages before it.
type StageContext struct {
	Pipeline *types.Pipeline

	Stage types.Stage

	// Outputs maps completed stage types to their OutputID: the build id
	// after the build stage, the deployment id after deploy.
	Outputs map[types.StageType]string

	// Log records a progress line on the stage.
	Log func(format string, args ...any)
}

// Handler executes one stage type. Returning an error consumes a retry;
// the output id is recorded on the stage once it succeeds.
type Handler interface {
	Run(ctx context.Context, sc *StageContext) (outputID string, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sc *StageContext) (string, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, sc *StageContext) (string, error) {
	return f(ctx, sc)
}

// defaultHandler stands in for stage types with no registered handler. It is
// deterministic: it records that nothing external ran and yields a synthetic
// output id so later stages still sequence.
type defaultHandler struct{}

func (defaultHandler) Run(ctx context.Context, sc *StageContext) (string, error) {
	sc.Log("no handler registered for %s stage; recording pass-through", sc.Stage.Type)
	return fmt.Sprintf("%s-%s", sc.Stage.Type, sc.Pipeline.ID), nil
}
