package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/warp/hris-approvals/tracing"
)

func TestSpansReachExporter(t *testing.T) {
	// GIVEN: An in-memory exporter installed as the provider
	// WHEN: Two spans end, one with an error
	// THEN: Both are exported with attributes and status after shutdown

	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := tracing.InitWithExporter("hris-approvals-test", "test", exporter)
	require.NoError(t, err)

	ctx := context.Background()
	_, ok := tracing.StartSpan(ctx, "approval.Approve", "approval_id", "a-1", "decider", "SUP")
	tracing.EndSpan(ok, nil)
	_, failed := tracing.StartSpan(ctx, "approval.Reject", "approval_id", "a-2", "odd")
	tracing.EndSpan(failed, errors.New("forbidden"))

	require.NoError(t, shutdown(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}

	approve := byName["approval.Approve"]
	assert.Equal(t, codes.Ok, approve.Status.Code)
	assert.Len(t, approve.Attributes, 2)

	reject := byName["approval.Reject"]
	assert.Equal(t, codes.Error, reject.Status.Code)
	assert.Equal(t, "forbidden", reject.Status.Description)
	assert.Len(t, reject.Attributes, 1, "dangling key is ignored")
	assert.NotEmpty(t, reject.Events, "error recorded as event")
}
