package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
)

const (
	blacklistCacheKey = "ip:blacklist"
	whitelistCacheKey = "ip:whitelist"
)

// IPRestrictionConfig holds configuration for the restriction matcher
type IPRestrictionConfig struct {
	CacheTTL time.Duration
	Clock    func() time.Time
}

// IPRestrictionService matches inbound addresses against the blacklist and
// whitelist, serving reads through a cache-aside list per restriction type.
type IPRestrictionService struct {
	repo   repositories.RestrictionRepository
	cache  Cache
	config IPRestrictionConfig
	logger *slog.Logger
}

// NewIPRestrictionService creates a new IPRestrictionService
func NewIPRestrictionService(repo repositories.RestrictionRepository, cache Cache, config IPRestrictionConfig, logger *slog.Logger) *IPRestrictionService {
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	return &IPRestrictionService{
		repo:   repo,
		cache:  cache,
		config: config,
		logger: logger,
	}
}

// Check matches an address against the active restriction set. A blacklist
// match always wins over a whitelist match: an explicit deny must not be
// overridable by a broader allow rule. Malformed addresses match nothing;
// what "unparseable" means is the caller's decision.
func (s *IPRestrictionService) Check(ctx context.Context, ipAddress string) (*models.RestrictionStatus, error) {
	parsed := net.ParseIP(strings.TrimSpace(ipAddress))
	if parsed == nil {
		s.logger.Debug("unparseable ip address in restriction check", slog.String("ip_address", ipAddress))
		return &models.RestrictionStatus{}, nil
	}

	now := s.config.Clock()

	blacklist, err := s.activeEntries(ctx, models.RestrictionBlacklist)
	if err != nil {
		return nil, err
	}

	for i := range blacklist {
		entry := &blacklist[i]
		if entry.IsExpired(now) {
			continue
		}
		if matchesPattern(entry.IPPattern, ipAddress, parsed) {
			return &models.RestrictionStatus{
				IsBlacklisted: true,
				Reason:        entry.Reason,
				ExpiresAt:     entry.ExpiresAt,
			}, nil
		}
	}

	whitelist, err := s.activeEntries(ctx, models.RestrictionWhitelist)
	if err != nil {
		return nil, err
	}

	for i := range whitelist {
		entry := &whitelist[i]
		if entry.IsExpired(now) {
			continue
		}
		if matchesPattern(entry.IPPattern, ipAddress, parsed) {
			return &models.RestrictionStatus{
				IsWhitelisted: true,
				Reason:        entry.Reason,
				ExpiresAt:     entry.ExpiresAt,
			}, nil
		}
	}

	return &models.RestrictionStatus{}, nil
}

// AutoBlacklist inserts an automatic blacklist entry for an address. If an
// unexpired blacklist entry for the exact address already exists this is a
// no-op, so concurrent escalation triggers never produce duplicate rows.
func (s *IPRestrictionService) AutoBlacklist(ctx context.Context, ipAddress, reason string, duration time.Duration) error {
	now := s.config.Clock()

	existing, err := s.repo.FindActiveBlacklist(ctx, ipAddress, now)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if existing != nil {
		return nil
	}

	expiresAt := now.Add(duration)
	entry := &models.IPRestriction{
		IPPattern: ipAddress,
		Type:      models.RestrictionBlacklist,
		Reason:    reason,
		Source:    models.RestrictionSourceAuto,
		ExpiresAt: &expiresAt,
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		return err
	}

	if err := invalidate(ctx, s.cache, blacklistCacheKey, whitelistCacheKey); err != nil {
		return err
	}

	s.logger.Warn("ip auto-blacklisted",
		slog.String("ip_address", ipAddress),
		slog.String("reason", reason),
		slog.Time("expires_at", expiresAt))

	return nil
}

// CreateManual inserts an administrator-defined restriction entry. Manual
// entries never expire.
func (s *IPRestrictionService) CreateManual(ctx context.Context, ipPattern string, rtype models.RestrictionType, reason, createdBy string) (*models.IPRestriction, error) {
	if !isValidPattern(ipPattern) {
		return nil, fmt.Errorf("%w: invalid ip pattern %q", models.ErrBadRequest, ipPattern)
	}

	entry := &models.IPRestriction{
		IPPattern: ipPattern,
		Type:      rtype,
		Reason:    reason,
		Source:    models.RestrictionSourceManual,
	}
	if createdBy != "" {
		entry.CreatedBy = &createdBy
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, err
	}

	if err := invalidate(ctx, s.cache, blacklistCacheKey, whitelistCacheKey); err != nil {
		return nil, err
	}

	return entry, nil
}

// List returns every restriction entry for the admin surface.
func (s *IPRestrictionService) List(ctx context.Context) ([]models.IPRestriction, error) {
	return s.repo.List(ctx)
}

// Delete removes a restriction entry and invalidates the match cache.
func (s *IPRestrictionService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	return invalidate(ctx, s.cache, blacklistCacheKey, whitelistCacheKey)
}

// activeEntries loads the non-expired entries of one type, cache-aside.
func (s *IPRestrictionService) activeEntries(ctx context.Context, rtype models.RestrictionType) ([]models.IPRestriction, error) {
	key := blacklistCacheKey
	if rtype == models.RestrictionWhitelist {
		key = whitelistCacheKey
	}

	return getOrLoad(ctx, s.cache, key, s.config.CacheTTL, func(ctx context.Context) ([]models.IPRestriction, error) {
		return s.repo.ListActiveByType(ctx, rtype, s.config.Clock())
	})
}

// matchesPattern reports whether an address matches a restriction pattern.
// Patterns without a prefix length require literal equality; CIDR patterns
// match when the masked address equals the masked network. Mixed address
// families never match.
func matchesPattern(pattern, ipAddress string, parsed net.IP) bool {
	if !strings.Contains(pattern, "/") {
		return pattern == ipAddress
	}

	_, network, err := net.ParseCIDR(pattern)
	if err != nil {
		return false
	}

	if (parsed.To4() == nil) != (network.IP.To4() == nil) {
		return false
	}

	return network.Contains(parsed)
}

// isValidPattern accepts an IP literal or a CIDR range.
func isValidPattern(pattern string) bool {
	if strings.Contains(pattern, "/") {
		_, _, err := net.ParseCIDR(pattern)
		return err == nil
	}
	return net.ParseIP(pattern) != nil
}
