package llm

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExtractJSON pulls the JSON payload out of an LLM reply. Models wrap JSON
// in markdown fences or surround it with prose despite instructions, so
// extraction runs in order of confidence:
//
//  0. a reply that already starts with { or [ yields its outermost span
//  1. a fenced ```json code block (markdown-parsed, not regex-scanned)
//  2. any fenced code block whose body starts with { or [
//  3. the outermost {...} or [...] span of the raw text
//
// Returns "" when nothing JSON-shaped is present.
func ExtractJSON(reply string) string {
	if reply == "" {
		return ""
	}
	trimmed := strings.TrimSpace(reply)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if span := braceSpan(trimmed); span != "" {
			return span
		}
	}

	if block := fencedBlock(reply); block != "" {
		return strings.TrimSpace(block)
	}
	return braceSpan(reply)
}

// fencedBlock returns the first fenced code block that looks like JSON,
// preferring blocks tagged with a json language info string.
func fencedBlock(reply string) string {
	src := []byte(reply)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var tagged, untagged string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var b strings.Builder
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
		}
		body := b.String()

		lang := strings.ToLower(string(fc.Language(src)))
		if strings.HasPrefix(lang, "json") && tagged == "" {
			tagged = body
			return ast.WalkStop, nil
		}
		bodyTrim := strings.TrimSpace(body)
		if untagged == "" && (strings.HasPrefix(bodyTrim, "{") || strings.HasPrefix(bodyTrim, "[")) {
			untagged = body
		}
		return ast.WalkContinue, nil
	})

	if tagged != "" {
		return tagged
	}
	return untagged
}

// braceSpan extracts the outermost {...} or [...] region of mixed output,
// keyed on whichever opener appears first.
func braceSpan(s string) string {
	objStart := strings.Index(s, "{")
	arrStart := strings.Index(s, "[")

	start, closer := objStart, "}"
	if objStart < 0 || (arrStart >= 0 && arrStart < objStart) {
		start, closer = arrStart, "]"
	}
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}
