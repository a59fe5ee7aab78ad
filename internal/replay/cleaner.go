package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"driftpursuit/radarcore/internal/logging"
)

// RetentionPolicy bounds how many sessions stay on disk and for how long. Zero disables a bound.
type RetentionPolicy struct {
	MaxSessions int
	MaxAge      time.Duration
}

// StorageStats summarises the retained sessions.
type StorageStats struct {
	Sessions  int       `json:"sessions"`
	Bytes     int64     `json:"bytes"`
	Removed   int64     `json:"removed"`
	LastSweep time.Time `json:"last_sweep"`
}

// Cleaner prunes session directories under a replay root.
type Cleaner struct {
	mu      sync.RWMutex
	dir     string
	policy  RetentionPolicy
	log     *logging.Logger
	now     func() time.Time
	keep    map[string]struct{}
	stats   StorageStats
	removed int64
}

// NewCleaner constructs a cleaner for the sessions under dir.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{
		dir:    dir,
		policy: policy,
		log:    logger.Named("replay_cleaner"),
		now:    time.Now,
		keep:   make(map[string]struct{}),
	}
}

// Protect exempts a session directory, typically the one being written, from pruning.
func (c *Cleaner) Protect(sessionDir string) {
	if c == nil || sessionDir == "" {
		return
	}
	c.mu.Lock()
	c.keep[filepath.Clean(sessionDir)] = struct{}{}
	c.mu.Unlock()
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the result of the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type session struct {
	path      string
	size      int64
	modTime   time.Time
	protected bool
}

func (c *Cleaner) sweep() {
	if strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	sessions := c.collect(entries)
	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, s := range sessions {
		if reason := c.expired(s, now, kept); reason != "" && !s.protected {
			err := os.RemoveAll(s.path)
			if err == nil {
				c.log.Info("replay session pruned", logging.String("path", s.path), logging.String("reason", reason))
				c.removed++
				continue
			}
			c.log.Warn("replay session removal failed", logging.Error(err), logging.String("path", s.path))
		}
		kept++
		stats.Sessions++
		stats.Bytes += s.size
	}
	c.mu.Lock()
	stats.Removed = c.removed
	c.stats = stats
	c.mu.Unlock()
}

// collect lists session directories newest first. Directories without a manifest are not sessions.
func (c *Cleaner) collect(entries []os.DirEntry) []session {
	c.mu.RLock()
	keep := make(map[string]struct{}, len(c.keep))
	for path := range c.keep {
		keep[path] = struct{}{}
	}
	c.mu.RUnlock()

	sessions := make([]session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, manifestName)); err != nil {
			continue
		}
		size, modTime, err := footprint(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		_, protected := keep[filepath.Clean(path)]
		sessions = append(sessions, session{path: path, size: size, modTime: modTime, protected: protected})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].modTime.After(sessions[j].modTime) })
	return sessions
}

func (c *Cleaner) expired(s session, now time.Time, kept int) string {
	var reasons []string
	if c.policy.MaxAge > 0 && now.Sub(s.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxSessions > 0 && kept >= c.policy.MaxSessions {
		reasons = append(reasons, fmt.Sprintf(">=%d sessions", c.policy.MaxSessions))
	}
	return strings.Join(reasons, ", ")
}

// footprint sums file sizes under root and returns the newest modification time.
func footprint(root string) (int64, time.Time, error) {
	var total int64
	var newest time.Time
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, newest, err
}
