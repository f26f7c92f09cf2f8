package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

func TestBuildMessageCarriesAttributes(t *testing.T) {
	t.Parallel()

	note := tracker.RecordNotification{
		JobID:          "job-1",
		Key:            "1234567",
		Status:         "Registered",
		PreviousStatus: "Objected",
		Changed:        true,
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	msg, err := buildMessage(context.Background(), "record-refreshed", note)
	require.NoError(t, err)
	require.Equal(t, "1234567", msg.Attributes["record_key"])
	require.Equal(t, "true", msg.Attributes["status_changed"])
	require.Equal(t, "record-refreshed", msg.Attributes["topic"])
	require.Equal(t, "1234567", msg.OrderingKey)

	var decoded tracker.RecordNotification
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, note, decoded)
}

func TestBuildMessagePlainPayload(t *testing.T) {
	t.Parallel()

	msg, err := buildMessage(context.Background(), "", map[string]int{"n": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(msg.Data))
	require.Empty(t, msg.OrderingKey)
	require.NotContains(t, msg.Attributes, "topic")

	_, err = buildMessage(context.Background(), "t", make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "not configured")
}
