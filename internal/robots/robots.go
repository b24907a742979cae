// Package robots fetches and enforces robots.txt exclusion rules for
// the crawl loop.
package robots

import (
	"bufio"
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrDisallowed reports that robots.txt forbids fetching a URL.
var ErrDisallowed = errors.New("disallowed by robots.txt")

type pattern struct {
	raw string
	re  *regexp.Regexp // nil when a plain prefix match suffices
}

type group struct {
	allow    []pattern
	disallow []pattern
	delay    time.Duration
}

// Rules holds the parsed directives of one robots.txt file. The zero
// value allows everything.
type Rules struct {
	groups map[string]*group
}

// Parse reads robots.txt content. Consecutive User-agent lines share
// the rule group that follows them; unknown directives are skipped.
func Parse(content string) *Rules {
	r := &Rules{groups: make(map[string]*group)}

	var current []*group
	inAgentRun := false

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		directive, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		directive = strings.ToLower(strings.TrimSpace(directive))
		value = strings.TrimSpace(value)

		if directive == "user-agent" {
			agent := strings.ToLower(value)
			g, exists := r.groups[agent]
			if !exists {
				g = &group{}
				r.groups[agent] = g
			}
			if inAgentRun {
				current = append(current, g)
			} else {
				current = []*group{g}
				inAgentRun = true
			}
			continue
		}
		inAgentRun = false

		switch directive {
		case "allow":
			if p, ok := compile(value); ok {
				for _, g := range current {
					g.allow = append(g.allow, p)
				}
			}
		case "disallow":
			if p, ok := compile(value); ok {
				for _, g := range current {
					g.disallow = append(g.disallow, p)
				}
			}
		case "crawl-delay":
			if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 {
				for _, g := range current {
					g.delay = time.Duration(seconds * float64(time.Second))
				}
			}
		}
	}

	return r
}

// compile turns a robots.txt path value into a pattern. An empty value
// matches nothing, per the original exclusion protocol.
func compile(value string) (pattern, bool) {
	if value == "" {
		return pattern{}, false
	}

	p := pattern{raw: value}
	if strings.ContainsAny(value, "*$") {
		expr := regexp.QuoteMeta(value)
		expr = strings.ReplaceAll(expr, `\*`, `.*`)
		if strings.HasSuffix(expr, `\$`) {
			expr = strings.TrimSuffix(expr, `\$`) + "$"
		}
		re, err := regexp.Compile("^" + expr)
		if err != nil {
			return pattern{}, false
		}
		p.re = re
	}
	return p, true
}

// Allowed reports whether the agent may fetch rawURL. The longest
// matching rule wins; on equal length, allow beats disallow.
func (r *Rules) Allowed(agent, rawURL string) bool {
	g := r.group(agent)
	if g == nil {
		return true
	}

	target := requestPath(rawURL)
	allow := longestMatch(g.allow, target)
	disallow := longestMatch(g.disallow, target)

	if disallow == "" {
		return true
	}
	return len(allow) >= len(disallow)
}

// Delay returns the crawl delay requested for the agent, if any.
func (r *Rules) Delay(agent string) time.Duration {
	if g := r.group(agent); g != nil {
		return g.delay
	}
	return 0
}

// group resolves the rule group for an agent: exact name first, then
// the longest product-token substring match, then the wildcard group.
func (r *Rules) group(agent string) *group {
	if len(r.groups) == 0 {
		return nil
	}

	agent = strings.ToLower(agent)
	if g, ok := r.groups[agent]; ok {
		return g
	}

	var best *group
	bestLen := 0
	for name, g := range r.groups {
		if name != "*" && strings.Contains(agent, name) && len(name) > bestLen {
			best = g
			bestLen = len(name)
		}
	}
	if best != nil {
		return best
	}
	return r.groups["*"]
}

func longestMatch(patterns []pattern, target string) string {
	best := ""
	for _, p := range patterns {
		matched := false
		if p.re != nil {
			matched = p.re.MatchString(target)
		} else {
			matched = strings.HasPrefix(target, p.raw)
		}
		if matched && len(p.raw) > len(best) {
			best = p.raw
		}
	}
	return best
}

// requestPath extracts the path plus query that robots rules match
// against.
func requestPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}

	target := u.Path
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}

// FetchFunc retrieves a robots.txt document. The cache treats a
// non-2xx status or an error as the file being absent.
type FetchFunc func(ctx context.Context, robotsURL string) (body []byte, status int, err error)

// Cache resolves robots.txt once per host and answers crawl
// permission checks for the rest of the session.
type Cache struct {
	agent string
	fetch FetchFunc

	mu     sync.Mutex
	byHost map[string]*Rules
}

// NewCache creates a cache that checks rules for the given user agent.
func NewCache(agent string, fetch FetchFunc) *Cache {
	return &Cache{
		agent:  agent,
		fetch:  fetch,
		byHost: make(map[string]*Rules),
	}
}

// Check reports whether rawURL may be fetched and the crawl delay its
// host requests. Hosts whose robots.txt cannot be retrieved allow
// everything.
func (c *Cache) Check(ctx context.Context, rawURL string) (allowed bool, delay time.Duration) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return true, 0
	}

	rules := c.rules(ctx, u.Scheme, u.Host)
	return rules.Allowed(c.agent, rawURL), rules.Delay(c.agent)
}

func (c *Cache) rules(ctx context.Context, scheme, host string) *Rules {
	key := scheme + "://" + host

	c.mu.Lock()
	if rules, ok := c.byHost[key]; ok {
		c.mu.Unlock()
		return rules
	}
	c.mu.Unlock()

	// Fetch outside the lock; a rare duplicate fetch is harmless.
	rules := &Rules{}
	body, status, err := c.fetch(ctx, key+"/robots.txt")
	if err == nil && status >= 200 && status < 300 {
		rules = Parse(string(body))
	}

	c.mu.Lock()
	c.byHost[key] = rules
	c.mu.Unlock()
	return rules
}
