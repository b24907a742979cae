package pages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("https://example.com/")

	// Hex SHA-1, stable across calls
	assert.Len(t, fp, 40)
	assert.Equal(t, fp, Fingerprint("https://example.com/"))
	assert.NotEqual(t, fp, Fingerprint("https://example.com/other"))
}

func TestDomain(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"plain host", "https://example.com/page", "example.com"},
		{"uppercase host", "https://EXAMPLE.COM/page", "example.com"},
		{"host with port", "http://example.com:8080/", "example.com:8080"},
		{"no scheme", "example.com/page", ""},
		{"garbage", "://not a url", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Domain(tt.url))
		})
	}
}

func TestStoreAddGet(t *testing.T) {
	store, err := OpenStore("")
	require.NoError(t, err)
	defer store.Close()

	fp := Fingerprint("https://example.com/")
	require.NoError(t, store.Add(fp, PageData{
		URL:    "https://example.com/",
		Domain: "example.com",
	}))

	data, ok, err := store.Get(fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/", data.URL)
	assert.Equal(t, "example.com", data.Domain)

	_, ok, err = store.Get(Fingerprint("https://other.example/"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreEach(t *testing.T) {
	store, err := OpenStore("")
	require.NoError(t, err)
	defer store.Close()

	urls := []string{"https://a.example/", "https://b.example/", "https://c.example/"}
	for _, u := range urls {
		require.NoError(t, store.Add(Fingerprint(u), PageData{URL: u, Domain: Domain(u)}))
	}

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, len(urls), n)

	seen := make(map[string]bool)
	require.NoError(t, store.Each(func(fp string, data PageData) error {
		seen[data.URL] = true
		return nil
	}))
	assert.Len(t, seen, len(urls))
}
