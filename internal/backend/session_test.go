package backend

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontier-crawler/frontier/internal/config"
)

// openSessionAt opens and closes a backend in dir with a frozen clock,
// leaving a session manifest behind.
func openSessionAt(t *testing.T, dir string, at time.Time) string {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Workdir = dir

	b, err := Open(cfg, zerolog.Nop(), WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	id := b.SessionID()
	require.NoError(t, b.Close())
	return id
}

func TestSessionManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cfg := config.DefaultConfig()
	cfg.Workdir = dir

	b, err := Open(cfg, zerolog.Nop(), WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	info, err := readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, b.SessionID(), info.ID)
	assert.Equal(t, string(config.PolicyOptimal), info.Policy)
	assert.True(t, info.CreatedAt.Equal(at))
	assert.True(t, info.ClosedAt.IsZero())

	require.NoError(t, b.AddSeeds([]string{"https://example.com/"}))
	require.NoError(t, b.Close())

	info, err = readManifest(dir)
	require.NoError(t, err)
	assert.False(t, info.ClosedAt.IsZero())
	assert.Equal(t, 1, info.KnownPages)
}

func TestSessionResumePreservesCreatedAt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s1")
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(2 * time.Hour)

	firstID := openSessionAt(t, dir, first)
	secondID := openSessionAt(t, dir, second)
	require.NotEqual(t, firstID, secondID)

	info, err := readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, secondID, info.ID)
	assert.True(t, info.CreatedAt.Equal(first))
	assert.True(t, info.UpdatedAt.Equal(second))
}

func TestListSessionsNewestFirst(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	openSessionAt(t, filepath.Join(root, "s1"), base)
	openSessionAt(t, filepath.Join(root, "s2"), base.Add(time.Hour))
	id3 := openSessionAt(t, filepath.Join(root, "s3"), base.Add(2*time.Hour))

	// Directories without a manifest are not sessions.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-session"), 0o755))

	sessions, err := ListSessions(root)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, filepath.Join(root, "s3"), sessions[0].Workdir)
	assert.Equal(t, filepath.Join(root, "s1"), sessions[2].Workdir)

	latest, err := LatestSession(root)
	require.NoError(t, err)
	assert.Equal(t, id3, latest.ID)
}

func TestLatestSessionEmpty(t *testing.T) {
	_, err := LatestSession(t.TempDir())
	assert.ErrorIs(t, err, ErrNoSessions)
}

func TestPruneSessions(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	openSessionAt(t, filepath.Join(root, "s1"), base)
	openSessionAt(t, filepath.Join(root, "s2"), base.Add(time.Hour))
	openSessionAt(t, filepath.Join(root, "s3"), base.Add(2*time.Hour))

	// keep zero prunes nothing
	removed, err := PruneSessions(root, 0)
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = PruneSessions(root, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "s1")}, removed)

	_, err = os.Stat(filepath.Join(root, "s1"))
	assert.True(t, os.IsNotExist(err))

	sessions, err := ListSessions(root)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}
