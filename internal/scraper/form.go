// Package scraper holds what the colly and headless registry clients share:
// the shape of the upstream search forms, HTML inspection of the pages they
// return, and bookkeeping for CAPTCHA sessions that are still open.
package scraper

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/tm-status-tracker/internal/hash/sha256"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Form describes one search form on the upstream site. Field values are
// posted under the given input names.
type Form struct {
	URL           string
	KeyField      string
	NameField     string
	CategoryField string
	CaptchaField  string
	SubmitField   string
	SubmitValue   string
	// Fixed holds inputs that always carry the same value, such as the
	// search-mode radio button.
	Fixed map[string]string
	// ResultSelector matches an element that is only present once the site
	// accepted the search.
	ResultSelector string
	// DetailSelector matches the element holding a single record's details.
	// When the result page only lists matches, the first DetailLink is
	// followed to reach it.
	DetailSelector string
	DetailLink     string
}

// Default form URLs of the Indian trade marks registry.
const (
	DefaultKeySearchURL  = "https://tmrsearch.ipindia.gov.in/eregister/Application_View.aspx"
	DefaultNameSearchURL = "https://tmrsearch.ipindia.gov.in/tmrpublicsearch/frmmain.aspx"
)

// KeyForm returns the application-number lookup form served at searchURL.
func KeyForm(searchURL string) Form {
	if searchURL == "" {
		searchURL = DefaultKeySearchURL
	}
	return Form{
		URL:            searchURL,
		KeyField:       "applNumber",
		CaptchaField:   "captcha1",
		SubmitField:    "btnView",
		SubmitValue:    "View",
		Fixed:          map[string]string{"rdb": "N"},
		ResultSelector: "#SearchWMDatagrid, #lblappdetail",
		DetailSelector: "#lblappdetail",
		DetailLink:     "#SearchWMDatagrid a",
	}
}

// NameForm returns the wordmark and class search form served at searchURL.
func NameForm(searchURL string) Form {
	if searchURL == "" {
		searchURL = DefaultNameSearchURL
	}
	return Form{
		URL:            searchURL,
		NameField:      "ctl00$ContentPlaceHolder1$TBWordmark",
		CategoryField:  "ctl00$ContentPlaceHolder1$TBClass",
		CaptchaField:   "ctl00$ContentPlaceHolder1$captcha1",
		SubmitField:    "ctl00$ContentPlaceHolder1$BtnSearch",
		SubmitValue:    "Search",
		ResultSelector: "#ContentPlaceHolder1_MGVSearchResult",
	}
}

// Forms picks the form for a target.
type Forms struct {
	Key  Form
	Name Form
}

// For returns the form used to look up target.
func (f Forms) For(target tracker.Target) Form {
	if target.ByKey() {
		return f.Key
	}
	return f.Name
}

// Values builds the posted fields for target. Hidden inputs from the served
// page come first so visible fields override them.
func (f Form) Values(hidden url.Values, target tracker.Target, answer string) url.Values {
	out := url.Values{}
	for k, v := range hidden {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range f.Fixed {
		out.Set(k, v)
	}
	if target.ByKey() {
		setIf(out, f.KeyField, strings.TrimSpace(target.Key))
	} else {
		setIf(out, f.NameField, strings.TrimSpace(target.Name))
		setIf(out, f.CategoryField, strings.TrimSpace(target.Category))
	}
	setIf(out, f.CaptchaField, answer)
	setIf(out, f.SubmitField, f.SubmitValue)
	return out
}

// Flatten converts values into the single-valued map colly posts.
func Flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

func setIf(values url.Values, key, value string) {
	if key == "" {
		return
	}
	values.Set(key, value)
}

// Inspection summarizes a page served by the upstream site.
type Inspection struct {
	// Action is the form's post target, resolved against the page URL.
	Action string
	Hidden url.Values
	// CaptchaSrc is the src of the CAPTCHA image, empty when none is shown.
	CaptchaSrc string
	// CaptchaSelector locates the CAPTCHA image for browser screenshots.
	CaptchaSelector string
	HasResult       bool
	HasDetail       bool
	// Postback is the ASP.NET event behind the first detail link, if any.
	Postback *Postback
}

// Postback is a __doPostBack(target, argument) call.
type Postback struct {
	Target   string
	Argument string
}

var postbackPattern = regexp.MustCompile(`__doPostBack\('([^']*)','([^']*)'\)`)

// Inspect parses body as served from pageURL for form.
func Inspect(body []byte, pageURL string, form Form) (Inspection, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Inspection{}, fmt.Errorf("parse page: %w", err)
	}
	insp := Inspection{Hidden: url.Values{}, Action: pageURL}

	formSel := doc.Find("form").First()
	if action, ok := formSel.Attr("action"); ok && strings.TrimSpace(action) != "" {
		insp.Action = resolve(pageURL, action)
	}
	doc.Find(`input[type="hidden"]`).Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := s.Attr("value")
		insp.Hidden.Add(name, value)
	})

	if form.ResultSelector != "" && doc.Find(form.ResultSelector).Length() > 0 {
		insp.HasResult = true
	}
	if form.DetailSelector != "" && doc.Find(form.DetailSelector).Length() > 0 {
		insp.HasDetail = true
	}
	if form.DetailLink != "" {
		if href, ok := doc.Find(form.DetailLink).First().Attr("href"); ok {
			if m := postbackPattern.FindStringSubmatch(href); m != nil {
				insp.Postback = &Postback{Target: m[1], Argument: m[2]}
			}
		}
	}

	if !insp.HasResult {
		doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			src, _ := s.Attr("src")
			if !looksLikeCaptcha(src) {
				return true
			}
			insp.CaptchaSrc = src
			if id, ok := s.Attr("id"); ok && id != "" {
				insp.CaptchaSelector = "#" + id
			} else {
				insp.CaptchaSelector = "img[src=" + strconv.Quote(src) + "]"
			}
			return false
		})
	}
	return insp, nil
}

func looksLikeCaptcha(src string) bool {
	lower := strings.ToLower(src)
	return strings.Contains(lower, "captcha") || strings.Contains(lower, "cap") || strings.HasPrefix(lower, "data:image")
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// Resolve turns a possibly relative reference from a page into an absolute URL.
func Resolve(pageURL, ref string) string {
	return resolve(pageURL, ref)
}

// DecodeDataURI returns the payload and media type of a base64 data: URI.
func DecodeDataURI(src string) ([]byte, string, bool) {
	if !strings.HasPrefix(src, "data:") {
		return nil, "", false
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", false
	}
	return data, strings.TrimSuffix(meta, ";base64"), true
}

var challengeHasher = sha256.NewTruncated(16)

// ChallengeID names a CAPTCHA image by its content so a reissued image can
// be told apart from the one just rejected.
func ChallengeID(image []byte) string {
	id, _ := challengeHasher.Hash(image)
	return id
}
