package mention

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"mentionbot/internal/config"
)

// maxBatch is the number of records packed into one digest envelope.
const maxBatch = 100

// Config is plugins.mention.config.
//
//	dedup: true
//	purge_on_read: true
//	batch_size: 100
//	default_count: 100
//	locale: en
//	admins_privileged: false
//	resolve_cache_ttl: 1m
type Config struct {
	Dedup            *bool  `json:"dedup,omitempty"`
	PurgeOnRead      *bool  `json:"purge_on_read,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	DefaultCount     int    `json:"default_count,omitempty"`
	Locale           string `json:"locale,omitempty"`
	AdminsPrivileged bool   `json:"admins_privileged,omitempty"`
	ResolveCacheTTL  string `json:"resolve_cache_ttl,omitempty"`
	Timeouts         struct {
		Command   string `json:"command,omitempty"`
		Operation string `json:"operation,omitempty"`
	} `json:"timeouts,omitempty"`
}

// settings is Config with defaults applied.
type settings struct {
	dedup            bool
	purgeOnRead      bool
	batchSize        int
	defaultCount     int
	locale           language.Tag
	adminsPrivileged bool
	cacheTTL         time.Duration
	opTimeout        time.Duration
}

func defaultSettings() settings {
	return settings{
		dedup:        true,
		purgeOnRead:  true,
		batchSize:    maxBatch,
		defaultCount: 100,
		locale:       language.English,
		cacheTTL:     time.Minute,
		opTimeout:    30 * time.Second,
	}
}

func (c Config) settings() (settings, error) {
	s := defaultSettings()
	s.dedup = config.BoolOr(c.Dedup, true)
	s.purgeOnRead = config.BoolOr(c.PurgeOnRead, true)
	s.adminsPrivileged = c.AdminsPrivileged

	switch {
	case c.BatchSize < 0:
		return s, fmt.Errorf("batch_size must be >= 0")
	case c.BatchSize > 0:
		s.batchSize = min(c.BatchSize, maxBatch)
	}
	if c.DefaultCount < 0 {
		return s, fmt.Errorf("default_count must be >= 0")
	}
	if c.DefaultCount > 0 {
		s.defaultCount = c.DefaultCount
	}
	if c.Locale != "" {
		tag, err := language.Parse(strings.TrimSpace(c.Locale))
		if err != nil {
			return s, fmt.Errorf("locale: %w", err)
		}
		s.locale = matchLocale(tag)
	}
	var err error
	if s.cacheTTL, err = config.ParseDurationOrDefault("resolve_cache_ttl", c.ResolveCacheTTL, s.cacheTTL); err != nil {
		return s, err
	}
	if s.opTimeout, err = config.ParseDurationOrDefault("timeouts.operation", c.Timeouts.Operation, s.opTimeout); err != nil {
		return s, err
	}
	return s, nil
}
