package ingest

import (
	"strings"
	"testing"
)

func TestMarkdownText(t *testing.T) {
	src := "# Title\n\nSome *emphasis* and a [link](https://example.com).\n\n- first item\n- second item\n\n```\ncode line\n```\n"
	got, err := MarkdownText(src)
	if err != nil {
		t.Fatalf("MarkdownText: %v", err)
	}
	for _, want := range []string{"Title", "Some emphasis and a link.", "first item", "second item", "code line"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	for _, marker := range []string{"#", "*", "](", "```"} {
		if strings.Contains(got, marker) {
			t.Errorf("markup %q survived conversion:\n%s", marker, got)
		}
	}
}

func TestMarkdownTextPlainParagraph(t *testing.T) {
	src := "Hello world. Hello world."
	got, err := MarkdownText(src)
	if err != nil {
		t.Fatalf("MarkdownText: %v", err)
	}
	if got != src {
		t.Errorf("MarkdownText(%q) = %q", src, got)
	}
}

func TestHTMLText(t *testing.T) {
	src := `<html><head><title>Delaware</title><style>body { color: red }</style>
<script>var hidden = 1;</script></head><body><article>
<h1>Delaware</h1>
<p>Delaware ratified the Constitution first, on December 7, 1787.</p>
<p>Dover is the capital of Delaware, while Wilmington is the largest city.</p>
<p>Fish &amp; chips are not the state dish.</p>
</article></body></html>`
	got := HTMLText(src)
	for _, want := range []string{
		"Delaware ratified the Constitution first",
		"Dover is the capital",
		"Fish & chips",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	for _, bad := range []string{"var hidden", "color: red", "<p>", "&amp;"} {
		if strings.Contains(got, bad) {
			t.Errorf("output leaked %q:\n%s", bad, got)
		}
	}
}

func TestStripTags(t *testing.T) {
	got := stripTags(`<div>Alpha<script>hidden()</script> &amp; <b>beta</b><p>gamma</p></div>`)
	if got != "Alpha & beta\ngamma" {
		t.Errorf("stripTags = %q", got)
	}
}

func TestStripTagsUnclosedScript(t *testing.T) {
	got := stripTags(`Visible.<script>while(true) {}`)
	if got != "Visible." {
		t.Errorf("stripTags = %q", got)
	}
}

func TestPreprocessorDispatch(t *testing.T) {
	p := NewPreprocessor()

	if got := p.Process("text/plain; charset=utf-8", "as is"); got != "as is" {
		t.Errorf("plain passthrough = %q", got)
	}
	if got := p.Process("", "untyped body"); got != "untyped body" {
		t.Errorf("untyped passthrough = %q", got)
	}
	if got := p.Process("TEXT/HTML; charset=utf-8", "<p>Hi there friend.</p>"); !strings.Contains(got, "Hi there friend.") {
		t.Errorf("html dispatch = %q", got)
	}
	if got := p.Process("text/markdown", "## Heading\n\nBody text."); strings.Contains(got, "##") || !strings.Contains(got, "Heading") {
		t.Errorf("markdown dispatch = %q", got)
	}
}

func TestPreprocessorPDFFallsBackOnGarbage(t *testing.T) {
	p := NewPreprocessor()
	if got := p.Process(MimePDF, "not a pdf at all"); got != "not a pdf at all" {
		t.Errorf("pdf fallback = %q", got)
	}
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	if _, err := ExtractPDF([]byte("not a pdf at all")); err == nil {
		t.Fatal("ExtractPDF accepted garbage input")
	}
}

func TestMimeTypeFromExtension(t *testing.T) {
	cases := []struct {
		ext  string
		want string
	}{
		{"md", MimeMarkdown},
		{".md", MimeMarkdown},
		{"markdown", MimeMarkdown},
		{"MD", MimeMarkdown},
		{"html", MimeHTML},
		{"htm", MimeHTML},
		{"csv", MimeCSV},
		{"json", MimeJSON},
		{"pdf", MimePDF},
		{"txt", MimePlainText},
		{"xyz", MimePlainText},
		{"", MimePlainText},
	}
	for _, tc := range cases {
		if got := MimeTypeFromExtension(tc.ext); got != tc.want {
			t.Errorf("MimeTypeFromExtension(%q) = %q, want %q", tc.ext, got, tc.want)
		}
	}
}
