// Package urlutil canonicalizes URLs before they become page
// identities.
//
// Two spellings of the same resource must fingerprint identically or
// the frontier tracks them as separate pages with split scores.
// Normalize applies the safe canonicalization rules: scheme and host
// are lowercased, default ports and fragments dropped, paths cleaned,
// query parameters sorted and tracking parameters removed.
package urlutil

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Tracking parameters that never change the addressed resource.
var droppedParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"msclkid": {},
}

func dropParam(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := droppedParams[lower]
	return ok
}

// Normalize returns the canonical spelling of an absolute URL.
// Relative or unparseable input is rejected; callers decide whether to
// fall back to the raw string.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Path = cleanPath(u.Path)
	u.RawQuery = sortQuery(u.Query())

	return u.String(), nil
}

// cleanPath collapses duplicate slashes, resolves . and .. segments
// and trims the trailing slash everywhere but at the root.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// sortQuery rebuilds the query with keys and repeated values in sorted
// order and tracking parameters removed. Encoding through url.Values
// also unifies escaping, so equivalent queries come out identical.
func sortQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	kept := url.Values{}
	for key, values := range query {
		if dropParam(key) {
			continue
		}
		sort.Strings(values)
		kept[key] = values
	}
	return kept.Encode()
}
