package timelinecache

import (
	"strings"

	"golang.org/x/net/html"
)

// DefaultExcerptLength is the rune budget for derived plain-text excerpts.
const DefaultExcerptLength = 280

// ExcerptHTML derives a plain-text excerpt from an HTML status body. Block
// boundaries (p, br, div, li) become single spaces, runs of whitespace
// collapse, and the result is truncated to at most max runes with a trailing
// ellipsis. Malformed HTML is tolerated; the tokenizer consumes what it can.
func ExcerptHTML(body string, max int) string {
	if body == "" {
		return ""
	}

	var sb strings.Builder
	tok := html.NewTokenizer(strings.NewReader(body))

	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			sb.Write(tok.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "p", "br", "div", "li":
				sb.WriteByte(' ')
			}
		}
	}

	text := strings.Join(strings.Fields(sb.String()), " ")
	if max <= 0 {
		return text
	}

	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
