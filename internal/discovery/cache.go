package discovery

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

func (s *Service) cachePath() (string, error) {
	return homedir.Expand(s.cfg.CacheFile)
}

// CheckCache returns the cached address for name, but only after the
// device at that address confirms the same name. It returns "" otherwise.
func (s *Service) CheckCache(ctx context.Context, name string) string {
	path, err := s.cachePath()
	if err != nil {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), "\t", 2)
		if len(parts) != 2 || parts[0] != name {
			continue
		}

		address := parts[1]
		live := s.DeviceName(ctx, address)
		if live != "" && live == name {
			return address
		}
		s.logger.Info("device_cache_stale", slog.String("name", name), slog.String("address", address), slog.String("live_name", live))
		return ""
	}
	return ""
}

// SaveCache replaces the cache file with one name<TAB>address line per
// entry. Entries with an empty name or address are skipped.
func (s *Service) SaveCache(byName map[string]string) error {
	path, err := s.cachePath()
	if err != nil {
		return errors.Wrap(err, "expand cache path")
	}

	names := make([]string, 0, len(byName))
	for name, addr := range byName {
		if name != "" && addr != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\t')
		b.WriteString(byName[name])
		b.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create cache directory")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "write cache file")
	}
	return nil
}
