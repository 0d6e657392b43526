package gateway

import (
	"net/url"
	"sort"
	"strings"
)

// CanonicalKey builds the cache and de-duplication key for a request. Params
// are ordered by name and then by value so equivalent requests share a key.
func CanonicalKey(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte('?')
	first := true
	for _, k := range names {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
