// Package rendertemplate is the C9 logic-less template engine: dotted
// path lookups, iteration, conditionals, equality and truthiness
// helpers, and date formatting over a context tree of maps, slices, and
// scalars.
package rendertemplate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/logger"
)

var nowShorthand = regexp.MustCompile(`\{\{now:([^}]+)\}\}`)

// Render evaluates tmpl against ctx. It never panics or returns an
// error: any failure renders the original template text unchanged and
// logs a warning.
func Render(tmpl string, ctx map[string]interface{}) (result string) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Warn("template render panicked, returning original text", "recover", r)
			result = tmpl
		}
	}()

	pre := nowShorthand.ReplaceAllString(tmpl, `{{now "$1"}}`)

	out, err := renderBlock(pre, ctx)
	if err != nil {
		logger.L().Warn("template render failed, returning original text", "error", err)
		return tmpl
	}
	return out
}

// renderBlock processes a template body against ctx, handling block
// constructs ({{#each}}, {{#if}}, {{isTruthy}}) before falling back to
// inline substitution for everything else.
func renderBlock(tmpl string, ctx map[string]interface{}) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.Index(tmpl[i:], "{{")
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		b.WriteString(tmpl[i:open])

		close := strings.Index(tmpl[open:], "}}")
		if close < 0 {
			b.WriteString(tmpl[open:])
			break
		}
		close += open
		tag := strings.TrimSpace(tmpl[open+2 : close])
		next := close + 2

		switch {
		case strings.HasPrefix(tag, "#each "):
			list := strings.TrimSpace(tag[len("#each "):])
			endTag, body, rest, err := extractBlock(tmpl[next:], "each")
			if err != nil {
				return "", err
			}
			rendered, err := renderEach(list, body, ctx)
			if err != nil {
				return "", err
			}
			b.WriteString(rendered)
			_ = endTag
			tmpl = tmpl[:open] + rest
			i = open
			continue

		case strings.HasPrefix(tag, "#if "):
			cond := strings.TrimSpace(tag[len("#if "):])
			thenBody, elseBody, rest, err := extractIfBlock(tmpl[next:])
			if err != nil {
				return "", err
			}
			var body string
			if isTruthyValue(lookupPath(ctx, cond)) {
				body = thenBody
			} else {
				body = elseBody
			}
			rendered, err := renderBlock(body, ctx)
			if err != nil {
				return "", err
			}
			b.WriteString(rendered)
			tmpl = tmpl[:open] + rest
			i = open
			continue

		case strings.HasPrefix(tag, "isTruthy "):
			cond := strings.TrimSpace(tag[len("isTruthy "):])
			_, body, rest, err := extractBlock(tmpl[next:], "isTruthy")
			if err != nil {
				return "", err
			}
			if isTruthyValue(lookupPath(ctx, cond)) {
				rendered, err := renderBlock(body, ctx)
				if err != nil {
					return "", err
				}
				b.WriteString(rendered)
			}
			tmpl = tmpl[:open] + rest
			i = open
			continue

		case strings.HasPrefix(tag, "eq "):
			args := splitArgs(tag[len("eq "):])
			if len(args) == 2 {
				a := resolveArg(args[0], ctx)
				bb := resolveArg(args[1], ctx)
				if strings.EqualFold(a, bb) {
					b.WriteString("true")
				} else {
					b.WriteString("false")
				}
			}
			i = next
			continue

		case strings.HasPrefix(tag, `now "`) || strings.HasPrefix(tag, "now "):
			pattern := extractQuoted(tag[len("now "):])
			b.WriteString(formatDate(time.Now(), pattern))
			i = next
			continue

		case strings.HasPrefix(tag, "formatDate "):
			args := splitArgs(tag[len("formatDate "):])
			if len(args) == 2 {
				val := resolveArg(args[0], ctx)
				pattern := extractQuoted(args[1])
				b.WriteString(formatDateString(val, pattern))
			}
			i = next
			continue

		default:
			val := lookupPath(ctx, tag)
			b.WriteString(toDisplayString(val))
			i = next
			continue
		}
	}
	return b.String(), nil
}

// extractBlock finds the matching {{/name}} for a block opened right
// before rest, respecting nesting of the same block name.
func extractBlock(rest, name string) (endTag, body, after string, err error) {
	openTag := "{{#" + name
	closeTag := "{{/" + name + "}}"
	depth := 1
	pos := 0
	for {
		nextOpen := strings.Index(rest[pos:], openTag)
		nextClose := strings.Index(rest[pos:], closeTag)
		if nextClose < 0 {
			return "", "", "", fmt.Errorf("unterminated %s block", name)
		}
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			pos += nextOpen + len(openTag)
			continue
		}
		depth--
		if depth == 0 {
			body = rest[:pos+nextClose]
			after = rest[pos+nextClose+len(closeTag):]
			return closeTag, body, after, nil
		}
		pos += nextClose + len(closeTag)
	}
}

// extractIfBlock splits an #if body into then/else parts, honoring an
// optional top-level {{else}} and matching {{/if}}.
func extractIfBlock(rest string) (thenBody, elseBody, after string, err error) {
	_, body, after, err := extractBlock(rest, "if")
	if err != nil {
		return "", "", "", err
	}

	elseIdx := findTopLevelElse(body)
	if elseIdx < 0 {
		return body, "", after, nil
	}
	return body[:elseIdx], body[elseIdx+len("{{else}}"):], after, nil
}

func findTopLevelElse(body string) int {
	depth := 0
	pos := 0
	for pos < len(body) {
		ifIdx := indexOrMax(body[pos:], "{{#if ")
		closeIdx := indexOrMax(body[pos:], "{{/if}}")
		elseIdx := indexOrMax(body[pos:], "{{else}}")

		next := min3(ifIdx, closeIdx, elseIdx)
		if next == len(body)-pos {
			return -1
		}
		switch {
		case next == elseIdx && depth == 0:
			return pos + next
		case next == ifIdx:
			depth++
			pos += next + len("{{#if ")
		case next == closeIdx:
			depth--
			pos += next + len("{{/if}}")
		default:
			pos += next + len("{{else}}")
		}
	}
	return -1
}

func indexOrMax(s, sub string) int {
	idx := strings.Index(s, sub)
	if idx < 0 {
		return len(s)
	}
	return idx
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// renderEach expands an #each block once per item in the list at path,
// treating the current item as the context root inside the block body.
func renderEach(path, body string, ctx map[string]interface{}) (string, error) {
	val := lookupPath(ctx, path)
	items, ok := val.([]interface{})
	if !ok {
		return "", nil
	}

	var b strings.Builder
	for _, item := range items {
		itemCtx := asContext(item)
		itemCtx["length"] = len(items)
		rendered, err := renderBlock(body, itemCtx)
		if err != nil {
			return "", err
		}
		b.WriteString(rendered)
	}
	return b.String(), nil
}

func asContext(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m)+1)
		for k, vv := range m {
			out[k] = vv
		}
		return out
	}
	return map[string]interface{}{"value": v}
}

// lookupPath resolves a dotted path against ctx. A missing path (at
// any segment) resolves to nil, never an error. A trailing ".length"
// segment resolves against a list value to its element count.
func lookupPath(ctx map[string]interface{}, path string) interface{} {
	if strings.HasSuffix(path, ".length") {
		parent := lookupPath(ctx, strings.TrimSuffix(path, ".length"))
		if list, ok := parent.([]interface{}); ok {
			return float64(len(list))
		}
		return nil
	}

	segments := strings.Split(path, ".")
	var cur interface{} = ctx
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func isTruthyValue(v interface{}) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "", "null", "false", "0":
			return false
		}
		return true
	case float64:
		return t != 0
	default:
		return true
	}
}

func splitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args
}

func resolveArg(arg string, ctx map[string]interface{}) string {
	if strings.HasPrefix(arg, `"`) && strings.HasSuffix(arg, `"`) {
		return extractQuoted(arg)
	}
	return toDisplayString(lookupPath(ctx, arg))
}

func extractQuoted(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "}}")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `"`) {
		if idx := strings.Index(s[1:], `"`); idx >= 0 {
			return s[1 : idx+1]
		}
	}
	return strings.Trim(s, `"`)
}

func toDisplayString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// formatDate renders t per pattern, mapping uppercase date tokens to
// Go reference-time layout fragments. Substitution order matters:
// YYYY is replaced before YY so a four-digit year isn't half-replaced.
func formatDate(t time.Time, pattern string) string {
	replacer := strings.NewReplacer(
		"YYYY", "2006",
		"YY", "06",
		"DD", "02",
		"MM", "01",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	)
	layout := replacer.Replace(pattern)
	return t.Format(layout)
}

var dateParseLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func formatDateString(value, pattern string) string {
	for _, layout := range dateParseLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return formatDate(t, pattern)
		}
	}
	return value
}
