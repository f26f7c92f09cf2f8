package scraper

import (
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

const keyFormPage = `<html><body>
<form method="post" action="./Application_View.aspx?mode=1">
<input type="hidden" name="__VIEWSTATE" value="vs-1" />
<input type="hidden" name="__EVENTVALIDATION" value="ev-1" />
<input type="radio" id="rdb_0" name="rdb" value="N" />
<input type="text" id="applNumber" name="applNumber" />
<img id="imgCaptcha" src="../Captcha/CaptchaImage.aspx?id=7" />
<input type="text" id="captcha1" name="captcha1" />
<input type="submit" id="btnView" name="btnView" value="View" />
</form></body></html>`

const keyGridPage = `<html><body><form action="Application_View.aspx">
<input type="hidden" name="__VIEWSTATE" value="vs-2" />
<table id="SearchWMDatagrid"><tr><td>
<a href="javascript:__doPostBack('SearchWMDatagrid$ctl03$lnkbtnappNumber1','')">1234567</a>
</td></tr></table></form></body></html>`

func TestKeyFormValues(t *testing.T) {
	t.Parallel()

	form := KeyForm("")
	hidden := url.Values{"__VIEWSTATE": {"vs-1"}}
	values := form.Values(hidden, tracker.Target{Key: " 1234567 "}, "AB12CD")

	require.Equal(t, "vs-1", values.Get("__VIEWSTATE"))
	require.Equal(t, "1234567", values.Get("applNumber"))
	require.Equal(t, "AB12CD", values.Get("captcha1"))
	require.Equal(t, "View", values.Get("btnView"))
	require.Equal(t, "N", values.Get("rdb"))
	require.Equal(t, DefaultKeySearchURL, form.URL)
}

func TestNameFormValues(t *testing.T) {
	t.Parallel()

	form := NameForm("https://example.test/search")
	values := form.Values(nil, tracker.Target{Name: "Acme", Category: "9"}, "XYZ123")

	require.Equal(t, "Acme", values.Get("ctl00$ContentPlaceHolder1$TBWordmark"))
	require.Equal(t, "9", values.Get("ctl00$ContentPlaceHolder1$TBClass"))
	require.Equal(t, "XYZ123", values.Get("ctl00$ContentPlaceHolder1$captcha1"))
	require.Empty(t, values.Get("applNumber"))

	flat := Flatten(values)
	require.Equal(t, "Search", flat["ctl00$ContentPlaceHolder1$BtnSearch"])
}

func TestFormsFor(t *testing.T) {
	t.Parallel()

	forms := Forms{Key: KeyForm(""), Name: NameForm("")}
	require.Equal(t, DefaultKeySearchURL, forms.For(tracker.Target{Key: "1"}).URL)
	require.Equal(t, DefaultNameSearchURL, forms.For(tracker.Target{Name: "a", Category: "1"}).URL)
}

func TestInspectFormPage(t *testing.T) {
	t.Parallel()

	insp, err := Inspect([]byte(keyFormPage), "https://tm.example/eregister/Application_View.aspx", KeyForm(""))
	require.NoError(t, err)
	require.False(t, insp.HasResult)
	require.Equal(t, "https://tm.example/eregister/Application_View.aspx?mode=1", insp.Action)
	require.Equal(t, "vs-1", insp.Hidden.Get("__VIEWSTATE"))
	require.Equal(t, "ev-1", insp.Hidden.Get("__EVENTVALIDATION"))
	require.Equal(t, "../Captcha/CaptchaImage.aspx?id=7", insp.CaptchaSrc)
	require.Equal(t, "#imgCaptcha", insp.CaptchaSelector)
	require.Equal(t, "https://tm.example/Captcha/CaptchaImage.aspx?id=7",
		Resolve("https://tm.example/eregister/Application_View.aspx", insp.CaptchaSrc))
}

func TestInspectResultGridPostback(t *testing.T) {
	t.Parallel()

	insp, err := Inspect([]byte(keyGridPage), "https://tm.example/eregister/Application_View.aspx", KeyForm(""))
	require.NoError(t, err)
	require.True(t, insp.HasResult)
	require.False(t, insp.HasDetail)
	require.Empty(t, insp.CaptchaSrc)
	require.NotNil(t, insp.Postback)
	require.Equal(t, "SearchWMDatagrid$ctl03$lnkbtnappNumber1", insp.Postback.Target)
	require.Empty(t, insp.Postback.Argument)
}

func TestInspectCaptchaWithoutID(t *testing.T) {
	t.Parallel()

	page := `<form><img src="logo.png"/><img src="data:image/png;base64,AAAA"/></form>`
	insp, err := Inspect([]byte(page), "https://tm.example/", NameForm(""))
	require.NoError(t, err)
	require.Equal(t, "data:image/png;base64,AAAA", insp.CaptchaSrc)
	require.Equal(t, `img[src="data:image/png;base64,AAAA"]`, insp.CaptchaSelector)
}

func TestDecodeDataURI(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	data, mediaType, ok := DecodeDataURI("data:image/png;base64," + payload)
	require.True(t, ok)
	require.Equal(t, "image/png", mediaType)
	require.Equal(t, "png-bytes", string(data))

	_, _, ok = DecodeDataURI("https://tm.example/captcha.png")
	require.False(t, ok)
	_, _, ok = DecodeDataURI("data:image/png,raw")
	require.False(t, ok)
}

func TestChallengeID(t *testing.T) {
	t.Parallel()

	a := ChallengeID([]byte("image-a"))
	require.Len(t, a, 16)
	require.Equal(t, a, ChallengeID([]byte("image-a")))
	require.NotEqual(t, a, ChallengeID([]byte("image-b")))
}

func TestSessionsTakeAndSweep(t *testing.T) {
	t.Parallel()

	var evicted []string
	sessions := NewSessions[string](time.Minute, func(v string) { evicted = append(evicted, v) })
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return now }

	sessions.Put("a", "first")
	sessions.Put("b", "second")
	got, ok := sessions.Take("a")
	require.True(t, ok)
	require.Equal(t, "first", got)
	_, ok = sessions.Take("a")
	require.False(t, ok)

	now = now.Add(2 * time.Minute)
	sessions.Put("c", "third")
	require.Equal(t, 1, sessions.Sweep())
	require.Equal(t, []string{"second"}, evicted)
	require.Equal(t, 1, sessions.Len())

	sessions.Put("c", "replacement")
	require.Equal(t, []string{"second", "third"}, evicted)
}
