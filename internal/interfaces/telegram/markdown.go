package telegram

import (
	"bytes"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownToTelegramHTML renders Markdown as Telegram-safe HTML.
// Telegram accepts only <b>, <i>, <s>, <code>, <pre> and <a href="">;
// walking the goldmark AST guarantees well-formed tags, which raw
// Markdown parse_mode does not.
func MarkdownToTelegramHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	r := htmlRenderer{src: src}
	r.walk(&buf, doc)
	return strings.TrimRight(buf.String(), "\n")
}

// htmlRenderer 遍历 goldmark AST，输出 Telegram 兼容的 HTML
type htmlRenderer struct {
	src []byte
}

func (r htmlRenderer) walk(w *bytes.Buffer, node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		r.node(w, child)
	}
}

func (r htmlRenderer) node(w *bytes.Buffer, node ast.Node) {
	switch n := node.(type) {
	case *ast.Paragraph:
		r.walk(w, n)
		w.WriteString("\n\n")

	case *ast.Heading:
		// Telegram has no heading tags, bold stands in.
		w.WriteString("<b>")
		r.walk(w, n)
		w.WriteString("</b>\n\n")

	case *ast.ThematicBreak:
		w.WriteString("———\n\n")

	case *ast.Blockquote:
		var inner bytes.Buffer
		r.walk(&inner, n)
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			w.WriteString("▎" + line + "\n")
		}
		w.WriteString("\n")

	case *ast.FencedCodeBlock:
		r.codeBlock(w, n, string(n.Language(r.src)))

	case *ast.CodeBlock:
		r.codeBlock(w, n, "")

	case *ast.List:
		r.list(w, n)

	case *ast.Text:
		w.WriteString(html.EscapeString(string(n.Segment.Value(r.src))))
		if n.SoftLineBreak() || n.HardLineBreak() {
			w.WriteString("\n")
		}

	case *ast.String:
		w.WriteString(html.EscapeString(string(n.Value)))

	case *ast.CodeSpan:
		w.WriteString("<code>")
		r.codeSpanText(w, n)
		w.WriteString("</code>")

	case *ast.Emphasis:
		tag := "i"
		if n.Level == 2 {
			tag = "b"
		}
		w.WriteString("<" + tag + ">")
		r.walk(w, n)
		w.WriteString("</" + tag + ">")

	case *ast.Link:
		w.WriteString(`<a href="` + html.EscapeString(string(n.Destination)) + `">`)
		r.walk(w, n)
		w.WriteString("</a>")

	case *ast.AutoLink:
		url := html.EscapeString(string(n.URL(r.src)))
		w.WriteString(`<a href="` + url + `">` + url + "</a>")

	case *ast.Image:
		// No inline images in Telegram HTML, degrade to a labelled link.
		w.WriteString("[image: " + html.EscapeString(string(n.Destination)) + "]")

	default:
		r.walk(w, node)
	}
}

func (r htmlRenderer) codeBlock(w *bytes.Buffer, node interface {
	ast.Node
	Lines() *text.Segments
}, lang string) {
	if lang != "" {
		w.WriteString(`<pre><code class="language-` + html.EscapeString(lang) + `">`)
	} else {
		w.WriteString("<pre><code>")
	}
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		w.WriteString(html.EscapeString(string(seg.Value(r.src))))
	}
	w.WriteString("</code></pre>\n\n")
}

func (r htmlRenderer) codeSpanText(w *bytes.Buffer, node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			w.WriteString(html.EscapeString(string(t.Segment.Value(r.src))))
		} else {
			r.codeSpanText(w, child)
		}
	}
}

func (r htmlRenderer) list(w *bytes.Buffer, list *ast.List) {
	idx := list.Start
	for child := list.FirstChild(); child != nil; child = child.NextSibling() {
		if list.IsOrdered() {
			w.WriteString(strconv.Itoa(idx) + ". ")
			idx++
		} else {
			w.WriteString("• ")
		}
		var item bytes.Buffer
		r.walk(&item, child)
		for i, line := range strings.Split(strings.TrimRight(item.String(), "\n"), "\n") {
			if i > 0 {
				w.WriteString("\n  ")
			}
			w.WriteString(line)
		}
		w.WriteString("\n")
	}
	w.WriteString("\n")
}

var markdownMarkers = regexp.MustCompile("(?s)```[^`]*```|`[^`]+`|\\*\\*|__|\\*|_|~~|#{1,6} |!\\[[^]]*\\]\\([^)]+\\)|\\[([^]]+)\\]\\([^)]+\\)")

// StripMarkdownForPlaintext drops Markdown formatting entirely. Used
// as the last-resort fallback when Telegram rejects the HTML too.
func StripMarkdownForPlaintext(md string) string {
	return markdownMarkers.ReplaceAllStringFunc(md, func(match string) string {
		switch {
		case strings.HasPrefix(match, "```"):
			inner := strings.TrimSuffix(strings.TrimPrefix(match, "```"), "```")
			if idx := strings.Index(inner, "\n"); idx >= 0 {
				inner = inner[idx+1:]
			}
			return inner
		case strings.HasPrefix(match, "`"):
			return strings.Trim(match, "`")
		case strings.HasPrefix(match, "!["):
			return ""
		case strings.HasPrefix(match, "["):
			if idx := strings.Index(match, "]("); idx > 0 {
				return match[1:idx]
			}
			return match
		default:
			return ""
		}
	})
}
