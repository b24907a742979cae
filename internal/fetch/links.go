package fetch

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ExtractLinks returns the absolute out-link URLs of an HTML page in
// document order, without duplicates. Relative links resolve against
// the page URL, or against a <base href> when present. Only http and
// https targets are kept, and fragments are dropped so links to the
// same document are one link.
func ExtractLinks(pageURL string, body []byte) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "base":
				if href := getAttr(n, "href"); href != "" {
					if u, err := url.Parse(href); err == nil {
						base = base.ResolveReference(u)
					}
				}
			case "a":
				if target := resolveAnchor(base, getAttr(n, "href")); target != "" {
					if _, ok := seen[target]; !ok {
						seen[target] = struct{}{}
						links = append(links, target)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return links
}

// resolveAnchor turns an href into an absolute crawlable URL, or ""
// when the link is not worth following.
func resolveAnchor(base *url.URL, href string) string {
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") {
		return ""
	}

	u, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}
