package fetch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	ogTitleRe    = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:title["'][^>]+content=["']([^"']*)["']`)
	ogDescRe     = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:description["'][^>]+content=["']([^"']*)["']`)
	metaDescRe   = regexp.MustCompile(`(?is)<meta[^>]+name=["']description["'][^>]+content=["']([^"']*)["']`)
	h1Re         = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	tagRe        = regexp.MustCompile(`(?s)<[^>]+>`)
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	navRe        = regexp.MustCompile(`(?is)<nav[^>]*>.*?</nav>`)
	footerRe     = regexp.MustCompile(`(?is)<footer[^>]*>.*?</footer>`)
)

// ExtractHTML pulls title, description and body text out of an HTML document.
// Title fallback chain: <title> → og:title → first <h1> → URL. Description:
// meta description → og:description → empty. The body is the readability
// article text when substantial, otherwise the stripped full document.
func ExtractHTML(html, pageURL string) (Result, error) {
	res := Result{URL: pageURL, FetchedAt: time.Now().UTC()}

	parsed, pErr := url.Parse(pageURL)
	if pErr != nil {
		parsed = &url.URL{}
	}
	article, rErr := readability.FromReader(strings.NewReader(html), parsed)

	if rErr == nil && article.Title != "" {
		res.Title = collapse(article.Title)
	}
	if res.Title == "" {
		if m := ogTitleRe.FindStringSubmatch(html); m != nil {
			res.Title = collapse(m[1])
		}
	}
	if res.Title == "" {
		if m := h1Re.FindStringSubmatch(html); m != nil {
			res.Title = collapse(stripTags(m[1]))
		}
	}
	if res.Title == "" {
		res.Title = pageURL
	}

	if m := metaDescRe.FindStringSubmatch(html); m != nil {
		res.Description = collapse(m[1])
	} else if m := ogDescRe.FindStringSubmatch(html); m != nil {
		res.Description = collapse(m[1])
	}

	var body string
	if rErr == nil {
		body = collapse(article.TextContent)
	}
	if len(body) <= 100 {
		body = collapse(stripTags(dropBoilerplate(html)))
	}
	if body == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrNoContent, pageURL)
	}
	res.Body = body
	res.ContentLength = len(body)
	return res, nil
}

func stripTags(html string) string {
	return tagRe.ReplaceAllString(html, " ")
}

// dropBoilerplate removes script, style, nav and footer subtrees so their
// contents never leak into the indexed body when the whole-document fallback
// is used.
func dropBoilerplate(html string) string {
	html = scriptRe.ReplaceAllString(html, " ")
	html = styleRe.ReplaceAllString(html, " ")
	html = navRe.ReplaceAllString(html, " ")
	html = footerRe.ReplaceAllString(html, " ")
	return html
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
