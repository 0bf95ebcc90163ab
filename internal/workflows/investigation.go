package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Activity names - must match registered activity names
const (
	InvestigateActivityName = "InvestigateActivity"
	PublishActivityName     = "PublishResultActivity"
)

// Workflow names
const (
	InvestigateWorkflowName = "InvestigateWorkflow"
)

// DefaultInvestigationTimeout bounds an attempt when the input has none.
const DefaultInvestigationTimeout = 15 * time.Minute

// Error types the investigate activity fails with that retrying cannot fix.
const (
	ErrTypeInvalidTarget = "InvalidTarget"
)

// InvestigateWorkflow runs one investigation and publishes its outcome.
func InvestigateWorkflow(ctx workflow.Context, input InvestigationInput) (*InvestigationOutput, error) {
	logger := workflow.GetLogger(ctx)
	startTime := workflow.Now(ctx)

	logger.Info("Starting investigation workflow",
		"identifier", input.Identifier,
		"url", input.URL,
	)

	output := &InvestigationOutput{
		Identifier: input.Identifier,
		URL:        input.URL,
	}

	result, err := executeInvestigation(ctx, input)
	switch {
	case err != nil:
		output.Status = StatusFailed
		output.Error = fmt.Sprintf("investigation failed: %v", err)
	case result.Skipped:
		output.Status = StatusSkipped
	default:
		output.Status = StatusCompleted
		output.Result = result.Result
	}
	output.CompletedAt = workflow.Now(ctx)
	output.TotalDuration = output.CompletedAt.Sub(startTime)

	if err := executePublish(ctx, output); err != nil {
		// Stored results stay reachable through the API.
		logger.Warn("Publishing result failed", "error", err)
	}

	logger.Info("Investigation workflow completed",
		"identifier", input.Identifier,
		"status", output.Status,
		"duration", output.TotalDuration,
	)

	// Return output even on failure for visibility
	return output, nil
}

// executeInvestigation runs the investigate activity
func executeInvestigation(ctx workflow.Context, input InvestigationInput) (*InvestigateActivityOutput, error) {
	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultInvestigationTimeout
	}
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        2,
			NonRetryableErrorTypes: []string{ErrTypeInvalidTarget},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var output InvestigateActivityOutput
	err := workflow.ExecuteActivity(ctx, InvestigateActivityName, input).Get(ctx, &output)
	return &output, err
}

// executePublish runs the publish activity
func executePublish(ctx workflow.Context, output *InvestigationOutput) error {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	in := PublishInput{
		Identifier: output.Identifier,
		Status:     output.Status,
		Result:     output.Result,
		Duration:   output.TotalDuration,
	}
	return workflow.ExecuteActivity(ctx, PublishActivityName, in).Get(ctx, nil)
}

func workflowRegisterOptions() workflow.RegisterOptions {
	return workflow.RegisterOptions{Name: InvestigateWorkflowName}
}

// Register registers the investigation workflow with w.
func Register(w worker.WorkflowRegistry) {
	w.RegisterWorkflowWithOptions(InvestigateWorkflow, workflowRegisterOptions())
}
