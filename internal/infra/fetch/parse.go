package fetch

import (
	"bytes"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

const (
	maxTextBytes = 128 << 10
	maxLinks     = 500
)

var (
	jsLocationAssign = regexp.MustCompile(`(?i)(?:window\.|document\.|top\.|self\.)?location(?:\.href)?\s*=\s*['"]([^'"]+)['"]`)
	jsLocationCall   = regexp.MustCompile(`(?i)location\.(?:replace|assign)\(\s*['"]([^'"]+)['"]\s*\)`)
	refreshURL       = regexp.MustCompile(`(?i)^\s*\d*\s*[;,]?\s*url\s*=\s*['"]?([^'"]+)['"]?\s*$`)
)

// document is a parsed HTML page with the URL relative links resolve
// against.
type document struct {
	doc  *goquery.Document
	base *url.URL
}

func parse(body []byte, pageURL *url.URL) (*document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := pageURL.Parse(strings.TrimSpace(href)); err == nil {
			base = u
		}
	}
	return &document{doc: doc, base: base}, nil
}

// fill copies the parsed structure into page.
func (d *document) fill(page *scanning.Page) {
	page.Title = strings.TrimSpace(d.doc.Find("title").First().Text())
	page.Text = d.text()
	page.Forms = d.forms()
	page.Scripts = d.scripts()
	page.Iframes = d.iframes()
	page.Links = d.links()
}

func (d *document) text() string {
	body := d.doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(body.Text()), " ")
	if len(text) > maxTextBytes {
		text = text[:maxTextBytes]
	}
	return text
}

func (d *document) forms() []scanning.Form {
	var out []scanning.Form
	d.doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		method := strings.ToLower(strings.TrimSpace(s.AttrOr("method", "get")))
		f := scanning.Form{Action: strings.TrimSpace(s.AttrOr("action", "")), Method: method}
		s.Find("input, select, textarea").Each(func(_ int, in *goquery.Selection) {
			addInput(&f, in)
		})
		out = append(out, f)
	})

	// Credential fields outside any form are posted by script.
	loose := scanning.Form{Method: "script"}
	d.doc.Find("input").Each(func(_ int, in *goquery.Selection) {
		if in.Closest("form").Length() == 0 {
			addInput(&loose, in)
		}
	})
	if loose.HasPassword {
		out = append(out, loose)
	}
	return out
}

func addInput(f *scanning.Form, in *goquery.Selection) {
	if strings.EqualFold(strings.TrimSpace(in.AttrOr("type", "")), "password") {
		f.HasPassword = true
	}
	for _, attr := range []string{"name", "id", "autocomplete"} {
		v := strings.ToLower(strings.TrimSpace(in.AttrOr(attr, "")))
		if v != "" && v != "off" && v != "on" && !slices.Contains(f.InputNames, v) {
			f.InputNames = append(f.InputNames, v)
		}
	}
}

func (d *document) scripts() []scanning.Script {
	var out []scanning.Script
	d.doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			out = append(out, scanning.Script{Src: d.resolve(src)})
			return
		}
		if inline := strings.TrimSpace(s.Text()); inline != "" {
			out = append(out, scanning.Script{Inline: inline})
		}
	})
	return out
}

func (d *document) iframes() []scanning.Iframe {
	var out []scanning.Iframe
	d.doc.Find("iframe, frame").Each(func(_ int, s *goquery.Selection) {
		out = append(out, scanning.Iframe{Src: d.resolve(s.AttrOr("src", "")), Hidden: hidden(s)})
	})
	return out
}

func hidden(s *goquery.Selection) bool {
	if _, ok := s.Attr("hidden"); ok {
		return true
	}
	tiny := func(v string) bool {
		v = strings.TrimSuffix(strings.TrimSpace(v), "px")
		return v == "0" || v == "1"
	}
	if tiny(s.AttrOr("width", "")) || tiny(s.AttrOr("height", "")) {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
	for _, marker := range []string{"display:none", "visibility:hidden", "width:0", "height:0", "opacity:0"} {
		if strings.Contains(style, marker) {
			return true
		}
	}
	return false
}

func (d *document) links() []string {
	var out []string
	d.doc.Find("a[href], area[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		u, err := d.base.Parse(strings.TrimSpace(s.AttrOr("href", "")))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return true
		}
		u.Fragment = ""
		if link := u.String(); !slices.Contains(out, link) {
			out = append(out, link)
		}
		return len(out) < maxLinks
	})
	return out
}

func (d *document) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := d.base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// clientRedirect finds a meta refresh or a script assignment to
// location. Meta refresh wins when both are present.
func (d *document) clientRedirect() (*url.URL, string, bool) {
	var target string
	d.doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "refresh") {
			return true
		}
		if m := refreshURL.FindStringSubmatch(s.AttrOr("content", "")); m != nil {
			target = strings.TrimSpace(m[1])
			return false
		}
		return true
	})
	if target != "" {
		if u, err := d.base.Parse(target); err == nil {
			return u, "meta", true
		}
	}

	for _, s := range d.scripts() {
		if s.Inline == "" {
			continue
		}
		for _, re := range []*regexp.Regexp{jsLocationAssign, jsLocationCall} {
			if m := re.FindStringSubmatch(s.Inline); m != nil {
				if u, err := d.base.Parse(strings.TrimSpace(m[1])); err == nil {
					return u, "js", true
				}
			}
		}
	}
	return nil, "", false
}
