package telegram

import (
	"strings"
	"testing"
)

func TestMarkdownToTelegramHTML_Inline(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**important**", "<b>important</b>"},
		{"italic", "*note*", "<i>note</i>"},
		{"code span", "run `go vet` first", "run <code>go vet</code> first"},
		{"link", "[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
		{"escaping", "a < b && c > d", "a &lt; b &amp;&amp; c &gt; d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MarkdownToTelegramHTML(tc.in)
			if !strings.Contains(got, tc.want) {
				t.Errorf("got %q, want it to contain %q", got, tc.want)
			}
		})
	}
}

func TestMarkdownToTelegramHTML_Heading(t *testing.T) {
	got := MarkdownToTelegramHTML("# Status\n\nall good")
	if !strings.Contains(got, "<b>Status</b>") {
		t.Errorf("heading should become bold: %q", got)
	}
	if strings.Contains(got, "<h1>") {
		t.Errorf("telegram does not support heading tags: %q", got)
	}
}

func TestMarkdownToTelegramHTML_CodeBlock(t *testing.T) {
	got := MarkdownToTelegramHTML("```go\nfmt.Println(\"<hi>\")\n```")
	if !strings.Contains(got, `<pre><code class="language-go">`) {
		t.Errorf("missing fenced block markup: %q", got)
	}
	if !strings.Contains(got, "&lt;hi&gt;") {
		t.Errorf("code content must be escaped: %q", got)
	}
}

func TestMarkdownToTelegramHTML_List(t *testing.T) {
	got := MarkdownToTelegramHTML("- one\n- two")
	if !strings.Contains(got, "• one") || !strings.Contains(got, "• two") {
		t.Errorf("bullets missing: %q", got)
	}

	ordered := MarkdownToTelegramHTML("1. first\n2. second")
	if !strings.Contains(ordered, "1. first") || !strings.Contains(ordered, "2. second") {
		t.Errorf("ordered list broken: %q", ordered)
	}
}

func TestMarkdownToTelegramHTML_Empty(t *testing.T) {
	if got := MarkdownToTelegramHTML(""); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestStripMarkdownForPlaintext(t *testing.T) {
	in := "**bold** and `code` plus [link](https://example.com)"
	got := StripMarkdownForPlaintext(in)
	want := "bold and code plus link"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStripMarkdownForPlaintext_FencedBlock(t *testing.T) {
	got := StripMarkdownForPlaintext("```python\nprint(1)\n```")
	if !strings.Contains(got, "print(1)") {
		t.Errorf("code body should survive: %q", got)
	}
	if strings.Contains(got, "```") || strings.Contains(got, "python") {
		t.Errorf("markers should be stripped: %q", got)
	}
}
