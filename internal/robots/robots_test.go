package robots

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleRobots = `
# store robots
User-agent: *
Disallow: /admin/
Disallow: /cart
Allow: /cart/shared
Crawl-delay: 1.5

User-agent: frontierbot
User-agent: otherbot
Disallow: /private/
Allow: /private/press

User-agent: badbot
Disallow: /
`

func TestRulesAllowed(t *testing.T) {
	rules := Parse(exampleRobots)

	tests := []struct {
		name    string
		agent   string
		url     string
		allowed bool
	}{
		{"wildcard blocks admin", "genericbot/1.0", "https://example.com/admin/users", false},
		{"wildcard blocks cart prefix", "genericbot/1.0", "https://example.com/cart/items", false},
		{"longer allow overrides disallow", "genericbot/1.0", "https://example.com/cart/shared/42", true},
		{"wildcard allows unlisted paths", "genericbot/1.0", "https://example.com/products", true},
		{"named group blocks private", "frontierbot/0.3", "https://example.com/private/docs", false},
		{"named group allow wins", "frontierbot/0.3", "https://example.com/private/press/2024", true},
		{"second agent shares the group", "otherbot", "https://example.com/private/docs", false},
		{"named group ignores wildcard rules", "frontierbot/0.3", "https://example.com/admin/users", true},
		{"blanket disallow", "badbot", "https://example.com/", false},
		{"root allowed by default", "genericbot/1.0", "https://example.com/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, rules.Allowed(tt.agent, tt.url))
		})
	}
}

func TestRulesWildcardPatterns(t *testing.T) {
	rules := Parse(`
User-agent: *
Disallow: /*.json$
Disallow: /search*sort=
`)

	assert.False(t, rules.Allowed("bot", "https://example.com/api/data.json"))
	assert.True(t, rules.Allowed("bot", "https://example.com/api/data.jsonl"))
	assert.False(t, rules.Allowed("bot", "https://example.com/search?q=x&sort=asc"))
	assert.True(t, rules.Allowed("bot", "https://example.com/search?q=x"))
}

func TestRulesEmptyDisallow(t *testing.T) {
	rules := Parse("User-agent: *\nDisallow:\n")

	assert.True(t, rules.Allowed("bot", "https://example.com/anything"))
}

func TestRulesZeroValueAllowsAll(t *testing.T) {
	var rules Rules

	assert.True(t, rules.Allowed("bot", "https://example.com/admin"))
	assert.Zero(t, rules.Delay("bot"))
}

func TestRulesDelay(t *testing.T) {
	rules := Parse(exampleRobots)

	assert.Equal(t, 1500*time.Millisecond, rules.Delay("genericbot/1.0"))
	assert.Zero(t, rules.Delay("frontierbot/0.3"))
}

func TestCacheFetchesOncePerHost(t *testing.T) {
	calls := 0
	cache := NewCache("frontierbot", func(ctx context.Context, robotsURL string) ([]byte, int, error) {
		calls++
		require.Equal(t, "https://example.com/robots.txt", robotsURL)
		return []byte("User-agent: *\nDisallow: /admin/\n"), 200, nil
	})

	ctx := context.Background()

	allowed, _ := cache.Check(ctx, "https://example.com/products")
	assert.True(t, allowed)
	allowed, _ = cache.Check(ctx, "https://example.com/admin/users")
	assert.False(t, allowed)

	assert.Equal(t, 1, calls)
}

func TestCacheMissingRobotsAllowsAll(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
	}{
		{"not found", 404, nil},
		{"server error", 503, nil},
		{"fetch failed", 0, errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			cache := NewCache("frontierbot", func(ctx context.Context, robotsURL string) ([]byte, int, error) {
				calls++
				return nil, tt.status, tt.err
			})

			allowed, delay := cache.Check(context.Background(), "https://example.com/page")
			assert.True(t, allowed)
			assert.Zero(t, delay)

			// The outcome is cached for the session.
			cache.Check(context.Background(), "https://example.com/other")
			assert.Equal(t, 1, calls)
		})
	}
}

func TestCacheReportsDelay(t *testing.T) {
	cache := NewCache("frontierbot", func(ctx context.Context, robotsURL string) ([]byte, int, error) {
		return []byte("User-agent: *\nCrawl-delay: 2\n"), 200, nil
	})

	allowed, delay := cache.Check(context.Background(), "https://example.com/page")
	assert.True(t, allowed)
	assert.Equal(t, 2*time.Second, delay)
}

func TestCacheSkipsNonHTTP(t *testing.T) {
	cache := NewCache("frontierbot", func(ctx context.Context, robotsURL string) ([]byte, int, error) {
		t.Fatal("fetch should not be called")
		return nil, 0, nil
	})

	allowed, delay := cache.Check(context.Background(), "ftp://example.com/file")
	assert.True(t, allowed)
	assert.Zero(t, delay)
}
