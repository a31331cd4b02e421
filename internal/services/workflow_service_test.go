package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/workflows"
	"foreman/internal/workflows/runtime"
)

const greetDoc = `
name: greet
description: say hello
inputs:
  who: {type: string, required: true}
steps:
  - id: hello
    type: user_message
    message: "hello {{inputs.who}}"
`

const flakyDoc = `
name: flaky
steps:
  - id: fetch
    type: shell_command
    command: "curl example.com"
    on_error: {strategy: continue}
  - id: report
    type: user_message
    message: "done"
`

func newService(t *testing.T) *WorkflowService {
	t.Helper()
	return NewWorkflowService(runtime.NewEngine(runtime.Options{}))
}

func registerDoc(t *testing.T, svc *WorkflowService, doc string) {
	t.Helper()
	def, validation, err := svc.ValidateDefinition([]byte(doc))
	require.NoError(t, err, "fixture must validate: %s", validation.Summary())
	require.NoError(t, svc.Register(def))
}

func TestWorkflowService_StartAndAdvance(t *testing.T) {
	svc := newService(t)
	registerDoc(t, svc, greetDoc)
	ctx := context.Background()

	start, err := svc.StartWorkflow(ctx, "greet", map[string]interface{}{"who": "ada"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(start.WorkflowID, "wf_"), "expected wf_ id, got %s", start.WorkflowID)
	assert.Equal(t, runtime.StatusRunning, start.Status)
	assert.Equal(t, 1, start.TotalSteps)

	batch, err := svc.GetNextStep(ctx, start.WorkflowID)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "hello", batch.Steps[0].ID)
	assert.Equal(t, "hello ada", batch.Steps[0].Definition["message"])

	ack, err := svc.SubmitStepResult(ctx, start.WorkflowID, "", "hello", map[string]interface{}{"acknowledged": true})
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCompleted, ack.Status)

	status, err := svc.Status(start.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCompleted, status.Status)
	assert.Equal(t, 1, status.Progress.CompletedSteps)
}

func TestWorkflowService_StartUnknownDefinition(t *testing.T) {
	svc := newService(t)

	_, err := svc.StartWorkflow(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
	assert.Equal(t, workflows.ErrCodeNotFound, workflows.CodeOf(err))
}

func TestWorkflowService_LoadDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/flows/greet.yaml", []byte(greetDoc), 0644))
	require.NoError(t, afero.WriteFile(fs, "/flows/flaky.yml", []byte(flakyDoc), 0644))
	require.NoError(t, afero.WriteFile(fs, "/flows/broken.yaml", []byte("name: ["), 0644))
	require.NoError(t, afero.WriteFile(fs, "/flows/readme.txt", []byte("ignored"), 0644))

	svc := newService(t)
	result, err := svc.LoadDirectory(fs, "/flows")
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalFiles)
	assert.Len(t, result.Workflows, 2)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "/flows/broken.yaml", result.Errors[0].FilePath)

	defs := svc.ListDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "flaky", defs[0].Name)
	assert.Equal(t, "greet", defs[1].Name)
	assert.Equal(t, "/flows/greet.yaml", defs[1].FilePath)
	assert.Equal(t, 1, defs[1].TotalSteps)

	def, ok := svc.Definition("greet")
	require.True(t, ok)
	assert.Equal(t, "say hello", def.Description)
}

func TestWorkflowService_ValidateDefinition(t *testing.T) {
	svc := newService(t)

	t.Run("valid document", func(t *testing.T) {
		def, validation, err := svc.ValidateDefinition([]byte(greetDoc))
		require.NoError(t, err)
		require.NotNil(t, def)
		assert.Equal(t, "greet", def.Name)
		assert.Empty(t, validation.Errors)
	})

	t.Run("unparsable document", func(t *testing.T) {
		def, validation, err := svc.ValidateDefinition([]byte("name: ["))
		assert.ErrorIs(t, err, workflows.ErrValidation)
		assert.Nil(t, def)
		require.Len(t, validation.Errors, 1)
		assert.Equal(t, "PARSE_ERROR", validation.Errors[0].Code)
	})

	t.Run("invalid step type", func(t *testing.T) {
		doc := "name: bad\nsteps:\n  - id: s1\n    type: teleport\n"
		def, validation, err := svc.ValidateDefinition([]byte(doc))
		assert.ErrorIs(t, err, workflows.ErrValidation)
		require.NotNil(t, def)
		assert.NotEmpty(t, validation.Errors)
	})
}

func TestWorkflowService_RegisterRejectsInvalid(t *testing.T) {
	doc := "name: dup\nsteps:\n  - id: s1\n    type: user_message\n    message: a\n  - id: s1\n    type: user_message\n    message: b\n"
	def, err := workflows.ParseDefinition([]byte(doc))
	require.NoError(t, err)

	svc := newService(t)
	err = svc.Register(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflows.ErrValidation)

	_, ok := svc.Definition("dup")
	assert.False(t, ok)
}

func TestWorkflowService_ErrorHistoryAndExport(t *testing.T) {
	svc := newService(t)
	registerDoc(t, svc, flakyDoc)
	ctx := context.Background()

	start, err := svc.StartWorkflow(ctx, "flaky", nil)
	require.NoError(t, err)

	batch, err := svc.GetNextStep(ctx, start.WorkflowID)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	require.Equal(t, "fetch", batch.Steps[0].ID)

	_, err = svc.SubmitStepResult(ctx, start.WorkflowID, "", "fetch",
		map[string]interface{}{"status": "failed", "exit_code": 3})
	require.NoError(t, err)

	report := svc.ErrorHistory(start.WorkflowID, 10)
	require.Len(t, report.Records, 1)
	assert.Equal(t, "fetch", report.Records[0].StepID)
	assert.True(t, report.Records[0].Recovered)
	assert.Equal(t, 1, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Recovered)

	global := svc.ErrorHistory("", 10)
	assert.Len(t, global.Records, 1)
	assert.Equal(t, 1, global.Summary.Total)

	data, contentType, err := svc.ExportErrorHistory(start.WorkflowID, "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	assert.True(t, strings.HasPrefix(string(data), "id,timestamp,workflow_id"))

	data, contentType, err = svc.ExportErrorHistory(start.WorkflowID, "")
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Contains(t, string(data), "\"fetch\"")

	_, _, err = svc.ExportErrorHistory(start.WorkflowID, "xml")
	require.Error(t, err)
}

func TestWorkflowService_CancelAndList(t *testing.T) {
	svc := newService(t)
	registerDoc(t, svc, greetDoc)
	ctx := context.Background()

	start, err := svc.StartWorkflow(ctx, "greet", map[string]interface{}{"who": "ada"})
	require.NoError(t, err)

	status, err := svc.Cancel(start.WorkflowID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCancelled, status)

	instances := svc.ListInstances()
	require.Len(t, instances, 1)
	assert.Equal(t, start.WorkflowID, instances[0].WorkflowID)
	assert.Equal(t, runtime.StatusCancelled, instances[0].Status)
}

func TestSweeperService_StartAndStop(t *testing.T) {
	engine := runtime.NewEngine(runtime.Options{})
	sweeper := NewSweeperService(engine, 0)
	assert.Equal(t, time.Second, sweeper.interval)

	require.NoError(t, sweeper.Start())
	assert.Len(t, sweeper.cron.Entries(), 1)

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop in time")
	}
}
