// Package rewrite mutates upstream HTML so that in-page navigation keeps
// flowing back through the proxy.
//
// The document is never parsed into a tree. A tokenizer walks it once per step
// and only the tags that need to change are re-rendered; every other byte is
// copied through untouched.
package rewrite

import (
	"strings"

	"golang.org/x/net/html"

	"webrelay/internal/model"
)

const charsetMeta = `<meta charset="utf-8">`

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;")

type verdict int

const (
	keep verdict = iota
	changed
	drop
)

// HTML rewrites src for the host in rc. Steps, in order:
//  1. inject a UTF-8 charset declaration unless "charset=" already appears;
//  2. strip <meta> tags carrying http-equiv or a refresh directive;
//  3. point every <form action> back at the proxy;
//  4. point root-relative href attributes back at the proxy.
func HTML(src string, rc model.RewriteContext) string {
	return rewriteTags(EnsureCharset(src), rc)
}

// EnsureCharset inserts <meta charset="utf-8"> right after the first <head>
// tag, or wraps it in a new head right after <html> when there is no head.
// Documents already mentioning "charset=" anywhere are returned unchanged,
// which makes the function idempotent.
func EnsureCharset(src string) string {
	if strings.Contains(strings.ToLower(src), "charset=") {
		return src
	}

	headEnd, htmlEnd := -1, -1
	z := html.NewTokenizer(strings.NewReader(src))
	pos := 0
scan:
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		n := len(z.Raw())
		if tt == html.StartTagToken {
			name, _ := z.TagName()
			switch string(name) {
			case "head":
				headEnd = pos + n
				break scan
			case "html":
				if htmlEnd < 0 {
					htmlEnd = pos + n
				}
			}
		}
		pos += n
	}

	switch {
	case headEnd >= 0:
		return src[:headEnd] + charsetMeta + src[headEnd:]
	case htmlEnd >= 0:
		return src[:htmlEnd] + "<head>" + charsetMeta + "</head>" + src[htmlEnd:]
	}
	return src
}

func rewriteTags(src string, rc model.RewriteContext) string {
	var out strings.Builder
	out.Grow(len(src) + len(src)/8)

	z := html.NewTokenizer(strings.NewReader(src))
	pos := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		// Raw must be measured before Token, which may reuse the buffer.
		raw := src[pos : pos+len(z.Raw())]
		pos += len(raw)

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.WriteString(raw)
			continue
		}

		tok := z.Token()
		v, edited := rewriteTag(&tok, rc)
		switch v {
		case keep:
			out.WriteString(raw)
		case changed:
			out.WriteString(spliceTag(raw, tok, edited, tt == html.SelfClosingTagToken))
		case drop:
		}
	}
	// Whatever the tokenizer could not consume (e.g. an unterminated tag) is kept.
	out.WriteString(src[pos:])
	return out.String()
}

// rewriteTag updates tok in place and reports the indexes of the attributes
// it changed.
func rewriteTag(tok *html.Token, rc model.RewriteContext) (verdict, []int) {
	if tok.Data == "meta" && isDirectiveMeta(tok.Attr) {
		return drop, nil
	}

	var edited []int
	for i := range tok.Attr {
		a := &tok.Attr[i]
		switch {
		case a.Key == "action" && tok.Data == "form":
			a.Val = proxied(rc.BaseHost, formPath(a.Val))
			edited = append(edited, i)
		case a.Key == "href" && isRootRelative(a.Val, rc.SkipProtocolRelative):
			a.Val = proxied(rc.BaseHost, a.Val)
			edited = append(edited, i)
		}
	}
	if len(edited) == 0 {
		return keep, nil
	}
	return changed, edited
}

// isDirectiveMeta matches <meta http-equiv=...> and any meta mentioning refresh.
func isDirectiveMeta(attrs []html.Attribute) bool {
	for _, a := range attrs {
		if a.Key == "http-equiv" {
			return true
		}
		if strings.Contains(a.Key, "refresh") || strings.Contains(strings.ToLower(a.Val), "refresh") {
			return true
		}
	}
	return false
}

// formPath makes any action value root-relative by prefixing a slash.
func formPath(action string) string {
	if strings.HasPrefix(action, "/") {
		return action
	}
	return "/" + action
}

func isRootRelative(href string, skipProtocolRelative bool) bool {
	if !strings.HasPrefix(href, "/") {
		return false
	}
	return !skipProtocolRelative || !strings.HasPrefix(href, "//")
}

func proxied(host, path string) string {
	return model.ProxyURLPrefix + "https://" + host + path
}

// spliceTag replaces the values of the edited attributes inside the raw tag
// text, so names keep their spelling (SVG's viewBox, preserveAspectRatio) and
// untouched attributes keep their quoting. If the raw text does not line up
// with the tokenizer's attributes the tag is rendered from tok instead.
func spliceTag(raw string, tok html.Token, edited []int, selfClosing bool) string {
	spans, ok := scanAttrs(raw)
	if !ok || len(spans) != len(tok.Attr) {
		return renderTag(tok, selfClosing)
	}
	for i, sp := range spans {
		if !strings.EqualFold(raw[sp.keyStart:sp.keyEnd], tok.Attr[i].Key) {
			return renderTag(tok, selfClosing)
		}
	}

	var b strings.Builder
	last := 0
	for _, i := range edited {
		sp := spans[i]
		quoted := `"` + attrEscaper.Replace(tok.Attr[i].Val) + `"`
		if sp.valStart < 0 {
			b.WriteString(raw[last:sp.keyEnd])
			b.WriteString("=" + quoted)
			last = sp.keyEnd
			continue
		}
		b.WriteString(raw[last:sp.valStart])
		b.WriteString(quoted)
		last = sp.valEnd
	}
	b.WriteString(raw[last:])
	return b.String()
}

// attrSpan locates one attribute in raw tag text. valStart is -1 for an
// attribute without a value; a quoted value's span includes its quotes.
type attrSpan struct {
	keyStart, keyEnd int
	valStart, valEnd int
}

// scanAttrs finds the attributes of a start tag the way the tokenizer reads
// them. ok is false for text it cannot follow, such as an empty name.
func scanAttrs(raw string) (spans []attrSpan, ok bool) {
	i := 1
	for i < len(raw) && !isTagSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' {
		i++
	}
	for {
		for i < len(raw) && (isTagSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= len(raw) || raw[i] == '>' {
			return spans, true
		}

		sp := attrSpan{keyStart: i, valStart: -1}
		for i < len(raw) && !isTagSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' && raw[i] != '=' {
			i++
		}
		sp.keyEnd = i
		if sp.keyEnd == sp.keyStart {
			return nil, false
		}

		j := i
		for j < len(raw) && isTagSpace(raw[j]) {
			j++
		}
		if j < len(raw) && raw[j] == '=' {
			j++
			for j < len(raw) && isTagSpace(raw[j]) {
				j++
			}
			sp.valStart = j
			if j < len(raw) && (raw[j] == '"' || raw[j] == '\'') {
				q := raw[j]
				j++
				for j < len(raw) && raw[j] != q {
					j++
				}
				if j < len(raw) {
					j++
				}
			} else {
				for j < len(raw) && !isTagSpace(raw[j]) && raw[j] != '>' {
					j++
				}
			}
			sp.valEnd = j
			i = j
		}
		spans = append(spans, sp)
	}
}

func isTagSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f'
}

// renderTag writes a start tag back out with double-quoted attributes.
// The tokenizer already lower-cased names and unescaped values.
func renderTag(tok html.Token, selfClosing bool) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(tok.Data)
	for _, a := range tok.Attr {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(attrEscaper.Replace(a.Val))
		b.WriteByte('"')
	}
	if selfClosing {
		b.WriteString("/>")
	} else {
		b.WriteByte('>')
	}
	return b.String()
}
