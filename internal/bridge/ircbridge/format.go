package ircbridge

import (
	"regexp"
	"strings"
	"unicode"
)

// IRC control codes
const (
	codeBold      = "\x02"
	codeColor     = "\x03"
	codeItalic    = "\x1D"
	codeUnderline = "\x1F"
)

// maxTranslatePasses bounds the rewrite loop for pathological input
const maxTranslatePasses = 16

// markupRule rewrites one family of markdown delimiters. Alternatives are
// ordered longest first and render[i] formats submatch i+1.
type markupRule struct {
	pattern *regexp.Regexp
	render  []func(inner string) string
}

func wrap(open, close string) func(string) string {
	return func(inner string) string { return open + inner + close }
}

var markupRules = []markupRule{
	{
		pattern: regexp.MustCompile(`\*\*\*([^*]+)\*\*\*|\*\*([^*]+)\*\*|\*([^*]+)\*`),
		render: []func(string) string{
			wrap(codeBold+codeItalic, codeItalic+codeBold),
			wrap(codeBold, codeBold),
			wrap(codeItalic, codeItalic),
		},
	},
	{
		pattern: regexp.MustCompile(`____([^_]+)____|___([^_]+)___|__([^_]+)__|_([^_]+)_`),
		render: []func(string) string{
			wrap(codeUnderline, codeUnderline),
			wrap(codeItalic+codeUnderline, codeUnderline+codeItalic),
			wrap(codeUnderline, codeUnderline),
			wrap(codeItalic, codeItalic),
		},
	},
	{
		pattern: regexp.MustCompile(`~~~~([^~]+)~~~~|~~~([^~]+)~~~|~~([^~]+)~~`),
		render: []func(string) string{
			strikethrough,
			strikethrough,
			strikethrough,
		},
	},
}

// strikethrough has no IRC control code, so a combining long stroke overlay
// is appended to every character instead
func strikethrough(inner string) string {
	var sb strings.Builder
	for _, r := range inner {
		sb.WriteRune(r)
		sb.WriteRune('\u0336')
	}
	return sb.String()
}

// Translate rewrites markdown emphasis into IRC control codes. Delimiters
// that fall inside a URL are left alone. Rules are applied repeatedly so
// nested markup such as **_x_** is fully converted.
func Translate(text string) string {
	for pass := 0; pass < maxTranslatePasses; pass++ {
		changed := false
		for _, rule := range markupRules {
			var applied bool
			text, applied = rule.apply(text)
			changed = changed || applied
		}
		if !changed {
			break
		}
	}
	return text
}

// apply rewrites every match of the rule outside a URL, splicing each one at
// its own position
func (r markupRule) apply(text string) (string, bool) {
	var sb strings.Builder
	last := 0
	for _, loc := range r.pattern.FindAllStringSubmatchIndex(text, -1) {
		if insideURL(text, loc[0], loc[1]) {
			continue
		}
		for group, render := range r.render {
			start, end := loc[2+2*group], loc[3+2*group]
			if start < 0 {
				continue
			}
			sb.WriteString(text[last:loc[0]])
			sb.WriteString(render(text[start:end]))
			last = loc[1]
			break
		}
	}
	if last == 0 {
		return text, false
	}
	sb.WriteString(text[last:])
	return sb.String(), true
}

// insideURL reports whether the span [start,end) continues an http(s) URL
// that begins before it with no intervening whitespace
func insideURL(text string, start, end int) bool {
	head := text[:start]
	at := strings.LastIndex(head, "http://")
	if https := strings.LastIndex(head, "https://"); https > at {
		at = https
	}
	if at < 0 {
		return false
	}
	return strings.IndexFunc(text[at:end], unicode.IsSpace) < 0
}
