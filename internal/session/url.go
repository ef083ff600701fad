package session

import "net/url"

// QueryParams returns the query parameters of raw. When a key repeats the
// last value wins. An unparseable URL yields an empty map.
func QueryParams(raw string) map[string]string {
	params := map[string]string{}
	u, err := url.Parse(raw)
	if err != nil {
		return params
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			params[k] = vs[len(vs)-1]
		}
	}
	return params
}

// QueryParam returns the named parameter; empty values count as absent
func QueryParam(raw, name string) (string, bool) {
	v := QueryParams(raw)[name]
	return v, v != ""
}

// RemoveQueryParams returns raw without the named parameters, or raw
// unchanged when it cannot be parsed
func RemoveQueryParams(raw string, names ...string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, n := range names {
		q.Del(n)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
