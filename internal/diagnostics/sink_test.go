package diagnostics

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tm-status-tracker/internal/storage/memory"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type constHasher struct{}

func (constHasher) Hash([]byte) (string, error) { return "abc123", nil }

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func TestSinkSaveByKey(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := fixedClock{now: time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)}
	sink := NewSink(blobs, constHasher{}, clock, "/failures/", nil)

	uri, err := sink.Save(context.Background(), tracker.Page{
		Target: tracker.Target{Key: "1234567"},
		Body:   []byte("<html>garbled</html>"),
	}, tracker.ReasonParseError)
	require.NoError(t, err)
	require.Equal(t, "memory://failures/1234567/2026-03-09/abc123.html", uri)

	blob, ok := blobs.Get("failures/1234567/2026-03-09/abc123.html")
	require.True(t, ok)
	require.Equal(t, "text/html; charset=utf-8", blob.ContentType)
	require.Equal(t, "<html>garbled</html>", string(blob.Data))
}

func TestSinkSaveByNameSanitizesPath(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := fixedClock{now: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)}
	sink := NewSink(blobs, constHasher{}, clock, "", nil)

	_, err := sink.Save(context.Background(), tracker.Page{
		Target: tracker.Target{Name: "Acme / Widgets", Category: "9"},
		Body:   []byte("x"),
	}, tracker.ReasonParseError)
	require.NoError(t, err)
	require.Equal(t, []string{"Acme_Widgets_9/2026-03-09/abc123.html"}, blobs.Paths(""))
}

func TestSinkSkipsEmptyAndNil(t *testing.T) {
	t.Parallel()

	var nilSink *Sink
	uri, err := nilSink.Save(context.Background(), tracker.Page{Body: []byte("x")}, "r")
	require.NoError(t, err)
	require.Empty(t, uri)

	blobs := memory.NewBlobStore()
	sink := NewSink(blobs, constHasher{}, fixedClock{}, "p", nil)
	uri, err = sink.Save(context.Background(), tracker.Page{Target: tracker.Target{Key: "1"}}, "r")
	require.NoError(t, err)
	require.Empty(t, uri)
	require.Empty(t, blobs.Paths(""))
}

func TestSinkSaveFailure(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := fixedClock{now: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)}
	sink := NewSink(blobs, constHasher{}, clock, "failures", nil)

	uri, err := sink.SaveFailure(context.Background(), tracker.FailureRecord{
		Key:    "42",
		Reason: tracker.ReasonCaptchaExhausted,
		Detail: "5 attempts",
	})
	require.NoError(t, err)
	require.Equal(t, "memory://failures/42/2026-03-09/abc123.json", uri)
	blob, ok := blobs.Get("failures/42/2026-03-09/abc123.json")
	require.True(t, ok)
	require.Equal(t, "application/json", blob.ContentType)
	require.Contains(t, string(blob.Data), `"reason":"captcha exhausted"`)
}

func TestSinkPropagatesBlobError(t *testing.T) {
	t.Parallel()

	sink := NewSink(failingBlobs{}, constHasher{}, fixedClock{}, "p", nil)
	_, err := sink.Save(context.Background(), tracker.Page{Target: tracker.Target{Key: "1"}, Body: []byte("x")}, "r")
	require.ErrorContains(t, err, "disk full")
}
