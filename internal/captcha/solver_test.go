package captcha

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		answer string
		want   string
		ok     bool
	}{
		{answer: "AB12CD", want: "AB12CD", ok: true},
		{answer: "The code in the captcha-like image appears to be **X7Y8Z9**.", want: "X7Y8Z9", ok: true},
		{answer: "Maybe QWERTY or maybe 123456", want: "123456", ok: true},
		{answer: "It reads **4821**", want: "4821", ok: true},
		{answer: "It reads **abcd**", ok: false},
		{answer: "no idea", ok: false},
	}
	for _, tc := range cases {
		got, ok := ParseCode(tc.answer)
		require.Equal(t, tc.ok, ok, tc.answer)
		require.Equal(t, tc.want, got, tc.answer)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestSolveSendsImageAndParsesAnswer(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var sawImage atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "data:image/png;base64,") {
			sawImage.Store(true)
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "The code is **K9M2P4**."},
			}},
		})
	}))
	t.Cleanup(srv.Close)

	solver, err := New(Config{APIKey: "test", BaseURL: srv.URL + "/v1/"}, nil)
	require.NoError(t, err)

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
	code, err := solver.Solve(context.Background(), png)
	require.NoError(t, err)
	require.Equal(t, "K9M2P4", code)
	require.EqualValues(t, 1, calls.Load())
	require.True(t, sawImage.Load())
}

func TestSolveUnusableAnswer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"m",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"cannot read it"}}]}`)
	}))
	t.Cleanup(srv.Close)

	solver, err := New(Config{APIKey: "test", BaseURL: srv.URL, RPS: 100}, nil)
	require.NoError(t, err)
	_, err = solver.Solve(context.Background(), []byte("img"))
	require.ErrorIs(t, err, ErrNoCode)

	_, err = solver.Solve(context.Background(), nil)
	require.Error(t, err)
}

func TestSolveAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	solver, err := New(Config{APIKey: "test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = solver.Solve(context.Background(), []byte("img"))
	require.ErrorContains(t, err, "captcha completion")
}
