package render

import (
	"fmt"
	htmltemplate "html/template"
	"regexp"
	"strconv"
	"strings"
)

// Internal delimiters for the rewritten template source. Stored content never
// contains the record separator, it is stripped before rewriting.
const (
	leftDelim  = "\x1e["
	rightDelim = "]\x1e"
)

var placeholderRe = regexp.MustCompile(`\{\{(\{?)\s*([A-Za-z_][\w.\-]*)\s*(\}?)\}\}`)

var (
	commentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
	rawBlockRe = regexp.MustCompile(`(?is)<style\b.*?</style\s*>|<script\b.*?</script\s*>`)
)

// ExtractVariables returns the placeholder names used in content, in order of
// first appearance and without duplicates.
func ExtractVariables(content string) []string {
	matches := placeholderRe.FindAllStringSubmatch(content, -1)

	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[2]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	return names
}

func rewrite(content string) string {
	content = strings.ReplaceAll(content, "\x1e", "")

	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		m := placeholderRe.FindStringSubmatch(match)
		fn := "lookup"
		if m[1] == "{" && m[3] == "}" {
			fn = "raw"
		}
		return leftDelim + fn + " . " + strconv.Quote(m[2]) + rightDelim
	})
}

// lookup resolves name against data. An exact key wins, otherwise dotted names
// walk nested maps. Missing values resolve to the empty string.
func lookup(data map[string]any, name string) any {
	if v, ok := data[name]; ok {
		if v == nil {
			return ""
		}
		return v
	}

	var cur any = data
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return ""
		}
	}

	return cur
}

func rawHTML(data map[string]any, name string) htmltemplate.HTML {
	return htmltemplate.HTML(fmt.Sprint(lookup(data, name)))
}

// keepComments rewrites html comments so html/template emits them instead of
// stripping them; Outlook conditional comments carry layout. A comment with
// no placeholder is emitted whole. Otherwise only its delimiters are, and the
// placeholders inside are substituted like any other. Comments inside style
// and script blocks are left alone.
func keepComments(content string) string {
	var b strings.Builder
	last := 0
	for _, loc := range rawBlockRe.FindAllStringIndex(content, -1) {
		b.WriteString(markComments(content[last:loc[0]]))
		b.WriteString(content[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(markComments(content[last:]))
	return b.String()
}

func markComments(s string) string {
	return commentRe.ReplaceAllStringFunc(s, func(c string) string {
		if !strings.Contains(c, leftDelim) {
			return markupAction(c)
		}
		return markupAction("<!--") + c[len("<!--"):len(c)-len("-->")] + markupAction("-->")
	})
}

func markupAction(s string) string {
	return leftDelim + "markup " + strconv.Quote(s) + rightDelim
}

func markup(s string) htmltemplate.HTML {
	return htmltemplate.HTML(s)
}
