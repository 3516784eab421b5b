// Package streamfields applies the JSON-unquote rule to raw stream
// record fields, shared by the C5/C6 ingest orchestrator and the C8
// notification dispatcher since both read flat string fields off a
// streamstore.Delivery before treating one of them as a JSON payload.
package streamfields

import "strings"

// Unquote returns a copy of fields with the JSON-unquote rule applied
// to every value: a value that is wrapped in double quotes and, once
// stripped, doesn't look like a JSON object or array, is unescaped as
// a JSON string literal would be. Anything else (including the raw
// payload document itself) passes through unchanged.
func Unquote(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = unquote(v)
	}
	return out
}

func unquote(v string) string {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}
	stripped := v[1 : len(v)-1]
	if len(stripped) > 0 && (stripped[0] == '{' || stripped[0] == '[') {
		return v
	}

	replacer := strings.NewReplacer(
		`\"`, `"`,
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
		`\\`, `\`,
	)
	return replacer.Replace(stripped)
}
