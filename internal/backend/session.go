package backend

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrNoSessions is returned when a directory holds no session workdirs.
var ErrNoSessions = errors.New("no sessions found")

const manifestFile = "session.json"

// SessionInfo describes a crawl session workdir. The manifest is
// rewritten whenever a session opens or closes the workdir, so a
// resumed crawl carries the identity of its latest run.
type SessionInfo struct {
	ID           string    `json:"id"`
	Policy       string    `json:"policy"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ClosedAt     time.Time `json:"closed_at,omitempty"`
	PagesCrawled int64     `json:"pages_crawled"`
	KnownPages   int       `json:"known_pages"`

	// Workdir is the directory holding the session stores. Filled by
	// ListSessions, not stored in the manifest.
	Workdir string `json:"-"`
}

// writeManifest records the session state in the workdir. The stores
// are the source of truth; a manifest failure is logged, not fatal.
func (b *Backend) writeManifest(closed bool) {
	if b.workdir == "" {
		return
	}

	info := SessionInfo{
		ID:        b.sessionID,
		Policy:    string(b.cfg.Policy),
		CreatedAt: b.startTime,
		UpdatedAt: b.clock(),
	}
	if prev, err := readManifest(b.workdir); err == nil {
		info.CreatedAt = prev.CreatedAt
	}
	if closed {
		info.ClosedAt = info.UpdatedAt
		info.PagesCrawled = b.pagesCrawled.Load()
		info.KnownPages = b.engine.Len()
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(b.workdir, manifestFile), data, 0o644)
	}
	if err != nil {
		b.log.Warn().Err(err).Str("workdir", b.workdir).Msg("failed to write session manifest")
	}
}

func readManifest(dir string) (SessionInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return SessionInfo{}, err
	}

	var info SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return SessionInfo{}, err
	}
	info.Workdir = dir
	return info, nil
}

// ListSessions returns the crawl sessions found directly under root,
// most recently active first. Directories without a readable manifest
// are skipped.
func ListSessions(root string) ([]SessionInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := readManifest(filepath.Join(root, entry.Name()))
		if err != nil {
			continue
		}
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// LatestSession returns the most recently active session under root.
func LatestSession(root string) (SessionInfo, error) {
	sessions, err := ListSessions(root)
	if err != nil {
		return SessionInfo{}, err
	}
	if len(sessions) == 0 {
		return SessionInfo{}, ErrNoSessions
	}
	return sessions[0], nil
}

// PruneSessions deletes all but the keep most recently active session
// workdirs under root and returns the removed directories. A keep of
// zero removes nothing.
func PruneSessions(root string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}

	sessions, err := ListSessions(root)
	if err != nil {
		return nil, err
	}
	if len(sessions) <= keep {
		return nil, nil
	}

	var removed []string
	for _, info := range sessions[keep:] {
		if err := os.RemoveAll(info.Workdir); err != nil {
			return removed, err
		}
		removed = append(removed, info.Workdir)
	}
	return removed, nil
}
