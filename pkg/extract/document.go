package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// maxPartSize caps how much of a single body part is read.
const maxPartSize = 1 << 20

var (
	ErrEmptyPayload = errors.New("extract: empty payload")
	ErrMalformed    = errors.New("extract: malformed message")
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>()\[\]]+`)

// Document is the searchable view of a parsed message.
type Document struct {
	Subject string
	// Text is the normalized plain text of every inline part. HTML parts are
	// reduced to their text content.
	Text string
	// Links holds every URL found in the message, hrefs first, in document order.
	Links []string
}

// Parse reads a raw RFC 5322 message.
func Parse(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyPayload
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer mr.Close()

	doc := &Document{}
	if subject, err := mr.Header.Subject(); err == nil {
		doc.Subject = normalize(subject)
	}

	var (
		plain []string
		htmls []string
		links []string
	)

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// Keep what was read so far; a truncated tail is common.
			break
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		body, err := io.ReadAll(io.LimitReader(p.Body, maxPartSize))
		if err != nil {
			continue
		}

		mediaType, _, _ := h.ContentType()
		switch mediaType {
		case "text/html":
			text, hrefs := htmlText(body)
			htmls = append(htmls, text)
			links = append(links, hrefs...)
		case "", "text/plain":
			plain = append(plain, string(body))
		}
	}

	// Plain text is preferred; HTML only fills in when there is none.
	text := strings.Join(plain, "\n")
	if strings.TrimSpace(text) == "" {
		text = strings.Join(htmls, "\n")
	}
	doc.Text = normalize(text)

	links = append(links, urlPattern.FindAllString(doc.Text, -1)...)
	doc.Links = dedupe(links)

	return doc, nil
}

func htmlText(body []byte) (string, []string) {
	var (
		sb    strings.Builder
		hrefs []string
		skip  int
	)

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return sb.String(), hrefs
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if tag == "a" && string(key) == "href" {
					hrefs = append(hrefs, strings.TrimSpace(string(val)))
				}
			}
			if tag == "br" || tag == "p" || tag == "div" || tag == "tr" {
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func normalize(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimRight(v, ".,;")
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
