package headless

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tm-status-tracker/internal/scraper"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

func TestNewValidatesAndDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	s, err := New(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.Equal(t, 2, cap(s.limiter))
	require.Equal(t, 45*time.Second, s.cfg.NavigationTimeout)
	require.Equal(t, scraper.DefaultKeySearchURL, s.cfg.Forms.Key.URL)
	require.Equal(t, scraper.DefaultNameSearchURL, s.cfg.Forms.Name.URL)
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	s, err := New(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.acquire(ctx), context.DeadlineExceeded)

	s.release()
	require.NoError(t, s.acquire(context.Background()))
	s.release()
	s.release()
}

func TestSubmitCaptchaUnknownChallenge(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.SubmitCaptcha(context.Background(), tracker.Challenge{ID: "missing"}, "ABC123")
	require.ErrorContains(t, err, "expired or unknown")
}

func TestFillActions(t *testing.T) {
	t.Parallel()

	byKey := fillActions(scraper.KeyForm(""), tracker.Target{Key: "123"})
	require.Len(t, byKey, 2, "fixed radio plus key field")

	byName := fillActions(scraper.NameForm(""), tracker.Target{Name: "Acme", Category: "9"})
	require.Len(t, byName, 2)
}

func TestFieldSelectorQuotes(t *testing.T) {
	t.Parallel()

	require.Equal(t, `[name="ctl00$ContentPlaceHolder1$TBClass"]`, fieldSelector("ctl00$ContentPlaceHolder1$TBClass"))
	require.Equal(t, `"a\"b"`, quote(`a"b`))
}

func TestSessionEvictionClosesTab(t *testing.T) {
	t.Parallel()

	s, err := New(Config{MaxParallel: 1, SessionTTL: time.Nanosecond}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	s.sessions.Put("c1", &tab{ctx: ctx, cancel: cancel, release: s.release})
	time.Sleep(time.Millisecond)
	require.Equal(t, 1, s.sessions.Sweep())
	require.Error(t, ctx.Err())
	require.NoError(t, s.acquire(context.Background()), "evicted tab frees its slot")
}
