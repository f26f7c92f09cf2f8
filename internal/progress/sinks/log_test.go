package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/tm-status-tracker/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "j", TS: now, Stage: progress.StageJobStart},
		{JobID: "j", TS: now, Stage: progress.StageUnitDone, Outcome: "success", Target: "1"},
		{JobID: "j", TS: now, Stage: progress.StageUnitDone, Outcome: "failed", Target: "2", Reason: "parse error"},
		{JobID: "j", TS: now, Stage: progress.StageJobError, Note: "store down"},
	}))

	entries := logs.All()
	require.Len(t, entries, 3, "successful units log at debug")
	require.Equal(t, "parse error", entries[1].ContextMap()["reason"])
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "store down", entries[2].ContextMap()["note"])
	require.NoError(t, sink.Close(context.Background()))
}
