// Package discovery locates cast receivers on the local network and
// resolves their friendly names.
package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"go2tv.app/caststream/internal/domain"
)

const (
	DefaultTimeout     = 6 * time.Second
	DefaultHTTPTimeout = 2 * time.Second
	DefaultNamePort    = 8008
	DefaultMDNSAddress = "224.0.0.251:5353"
	DefaultSSDPAddress = "239.255.255.250:1900"
	DefaultCacheFile   = "~/.caststream_devices"
	nameLookupWorkers  = 8
)

// Config selects the search strategies and their endpoints. Addresses are
// overridable so a search can be pointed at a unicast responder.
type Config struct {
	MDNS        bool
	SSDP        bool
	Timeout     time.Duration
	MDNSAddress string
	SSDPAddress string
	NamePort    int
	HTTPTimeout time.Duration
	CacheFile   string
}

func DefaultConfig() Config {
	return Config{
		MDNS:        true,
		SSDP:        true,
		Timeout:     DefaultTimeout,
		MDNSAddress: DefaultMDNSAddress,
		SSDPAddress: DefaultSSDPAddress,
		NamePort:    DefaultNamePort,
		HTTPTimeout: DefaultHTTPTimeout,
		CacheFile:   DefaultCacheFile,
	}
}

type Service struct {
	cfg    Config
	logger *slog.Logger
	names  *nameClient
}

func NewService(cfg Config, logger *slog.Logger) *Service {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MDNSAddress == "" {
		cfg.MDNSAddress = defaults.MDNSAddress
	}
	if cfg.SSDPAddress == "" {
		cfg.SSDPAddress = defaults.SSDPAddress
	}
	if cfg.NamePort <= 0 {
		cfg.NamePort = defaults.NamePort
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}
	if cfg.CacheFile == "" {
		cfg.CacheFile = defaults.CacheFile
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "discovery"))

	return &Service{
		cfg:    cfg,
		logger: logger,
		names:  newNameClient(cfg.NamePort, cfg.HTTPTimeout, logger),
	}
}

func (s *Service) Config() Config {
	return s.cfg
}

// Search runs the mDNS search first and only falls through to SSDP when mDNS
// is disabled or did not reach limit. A limit of zero collects everything
// that answers within timeout.
func (s *Service) Search(ctx context.Context, limit int, timeout time.Duration) ([]string, error) {
	if !s.cfg.MDNS && !s.cfg.SSDP {
		return nil, domain.NewError(domain.CodeDiscoveryFailure,
			"both mDNS and SSDP discovery are disabled",
			"Enable at least one strategy in the [discovery] config section.")
	}

	var (
		found []string
		errs  []string
	)
	if s.cfg.MDNS {
		addrs, err := s.SearchMDNS(ctx, limit, timeout)
		if err != nil {
			s.logger.Warn("mdns_search_failed", slog.String("error", err.Error()))
			errs = append(errs, err.Error())
		}
		found = append(found, addrs...)
		if limit > 0 && len(found) >= limit {
			return found[:limit], nil
		}
	}

	if s.cfg.SSDP {
		remaining := 0
		if limit > 0 {
			remaining = limit - len(found)
		}
		addrs, err := s.SearchSSDP(ctx, remaining, timeout)
		if err != nil {
			s.logger.Warn("ssdp_search_failed", slog.String("error", err.Error()))
			errs = append(errs, err.Error())
		}
		found = append(found, addrs...)
	}

	if len(found) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("device search failed: %s", strings.Join(errs, "; "))
	}
	return found, nil
}

// FindDevice resolves name to an address. An empty name selects the first
// device that answers; an IP literal is used as is.
func (s *Service) FindDevice(ctx context.Context, name string) (domain.DeviceRecord, error) {
	name = strings.TrimSpace(name)

	if name == "" {
		addrs, err := s.Search(ctx, 1, s.cfg.Timeout)
		if err != nil {
			return domain.DeviceRecord{}, err
		}
		if len(addrs) == 0 {
			return domain.DeviceRecord{}, notFound("no cast device answered on the network")
		}
		resolved := s.DeviceName(ctx, addrs[0])
		s.logger.Info("device_found", slog.String("name", resolved), slog.String("address", addrs[0]))
		return record(resolved, addrs[0]), nil
	}

	if ip := net.ParseIP(name); ip != nil {
		addr := ip.String()
		resolved := s.DeviceName(ctx, addr)
		if resolved == "" {
			resolved = addr
		}
		return record(resolved, addr), nil
	}

	if addr := s.CheckCache(ctx, name); addr != "" {
		s.logger.Info("device_found_in_cache", slog.String("name", name), slog.String("address", addr))
		return record(name, addr), nil
	}

	s.logger.Info("device_search", slog.String("name", name), slog.Duration("timeout", s.cfg.Timeout))
	byName, err := s.resolveAll(ctx, s.cfg.Timeout)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if addr, ok := byName[name]; ok {
		return record(name, addr), nil
	}

	e := notFound(fmt.Sprintf("no cast device named %q was found", name))
	known := make([]string, 0, len(byName))
	for n := range byName {
		known = append(known, n)
	}
	sort.Strings(known)
	e.Details = map[string]any{"requested": name, "found": known}
	return domain.DeviceRecord{}, e
}

// ListDevices performs a full search and returns every device that
// reported a name, sorted by name.
func (s *Service) ListDevices(ctx context.Context, timeout time.Duration) ([]domain.DeviceRecord, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	byName, err := s.resolveAll(ctx, timeout)
	if err != nil {
		return nil, err
	}

	devices := make([]domain.DeviceRecord, 0, len(byName))
	for name, addr := range byName {
		devices = append(devices, record(name, addr))
	}
	sortDevices(devices)
	return devices, nil
}

// resolveAll searches without a limit, looks up every answering address
// and persists the resulting name map.
func (s *Service) resolveAll(ctx context.Context, timeout time.Duration) (map[string]string, error) {
	addrs, err := s.Search(ctx, 0, timeout)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(nameLookupWorkers)
	for i, addr := range addrs {
		g.Go(func() error {
			names[i] = s.DeviceName(gctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	byName := map[string]string{}
	for i, name := range names {
		if name == "" {
			continue
		}
		if _, seen := byName[name]; !seen {
			byName[name] = addrs[i]
		}
	}

	if err := s.SaveCache(byName); err != nil {
		s.logger.Warn("device_cache_write_failed", slog.String("path", s.cfg.CacheFile), slog.String("error", err.Error()))
	}
	return byName, nil
}

func (s *Service) DeviceName(ctx context.Context, address string) string {
	return s.names.lookup(ctx, address)
}

func notFound(message string) *domain.Error {
	return domain.NewError(domain.CodeDiscoveryFailure, message,
		"Check that the device is powered on and on the same network.",
		"Run `caststream devicelist` to see the names that answer.")
}

func record(name, address string) domain.DeviceRecord {
	return domain.DeviceRecord{
		ID:      stableID(address),
		Name:    name,
		Address: address,
	}
}

func sortDevices(all []domain.DeviceRecord) {
	sort.Slice(all, func(i, j int) bool {
		if strings.ToLower(all[i].Name) != strings.ToLower(all[j].Name) {
			return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		}
		return all[i].Address < all[j].Address
	})
}

func stableID(address string) string {
	sum := sha1.Sum([]byte("cast|" + strings.ToLower(strings.TrimSpace(address))))
	return "dev_" + hex.EncodeToString(sum[:8])
}
