package mcp

import (
	"net/url"
	"regexp"
	"strings"
)

var templateVar = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// uriTemplate matches level-1 URI templates: each {name} captures one
// path segment.
type uriTemplate struct {
	re    *regexp.Regexp
	names []string
}

func compileTemplate(tpl string) *uriTemplate {
	locs := templateVar.FindAllStringSubmatchIndex(tpl, -1)
	if len(locs) == 0 {
		return nil
	}

	var pattern strings.Builder
	names := make([]string, 0, len(locs))
	pattern.WriteString("^")
	last := 0
	for _, loc := range locs {
		pattern.WriteString(regexp.QuoteMeta(tpl[last:loc[0]]))
		pattern.WriteString(`([^/?#]+)`)
		names = append(names, tpl[loc[2]:loc[3]])
		last = loc[1]
	}
	pattern.WriteString(regexp.QuoteMeta(tpl[last:]))
	pattern.WriteString("$")

	return &uriTemplate{re: regexp.MustCompile(pattern.String()), names: names}
}

func (t *uriTemplate) match(uri string) (map[string]string, bool) {
	m := t.re.FindStringSubmatch(uri)
	if m == nil {
		return nil, false
	}
	vars := make(map[string]string, len(t.names))
	for i, name := range t.names {
		v := m[i+1]
		if unescaped, err := url.PathUnescape(v); err == nil {
			v = unescaped
		}
		vars[name] = v
	}
	return vars, true
}
