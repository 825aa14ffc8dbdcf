package resolver

import (
	"net/url"
	"strings"
)

// JoinURL appends path to base with exactly one slash between them. The
// base's own path prefix and query string are kept; a query carried by
// path is merged into it.
func JoinURL(base, path string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}

	rawPath, rawQuery, _ := strings.Cut(path, "?")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(rawPath, "/")
	u.RawPath = ""

	if rawQuery != "" {
		q := u.Query()
		extra, err := url.ParseQuery(rawQuery)
		if err == nil {
			for k, vs := range extra {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}
