package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// cleanDownloads removes request workspaces older than StaleAfter that no
// live request owns. Workspaces are normally removed by their request; the
// janitor only catches what a crash left behind.
func (s *Scheduler) cleanDownloads(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.opt.DownloadsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := s.opt.Now().Add(-s.opt.StaleAfter)

	var removed int
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.opt.DownloadsDir, e.Name())
		if s.opt.InUse != nil && s.opt.InUse(path) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
