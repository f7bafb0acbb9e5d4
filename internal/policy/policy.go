// Package policy is the platform policy catalog: a pure read path mapping a
// target platform to its generation constraints.
package policy

import (
	"fmt"
	"sort"

	"reelforge/internal/config"
)

// NotFoundError marks a missing or unknown platform policy. Jobs hitting
// this fail immediately; retrying cannot fix missing configuration.
type NotFoundError struct {
	Platform string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("no policy for platform %s", e.Platform)
}

type Catalog struct {
	cfg *config.Config
}

func NewCatalog(cfg *config.Config) Catalog {
	return Catalog{cfg: cfg}
}

// Get returns the policy for a platform.
func (c Catalog) Get(platform string) (config.PlatformPolicy, error) {
	p, ok := c.cfg.Policy(platform)
	if !ok {
		return config.PlatformPolicy{}, NotFoundError{Platform: platform}
	}
	return p, nil
}

// Platforms lists the configured platform names, sorted.
func (c Catalog) Platforms() []string {
	names := make([]string, 0, len(c.cfg.Platforms))
	for name := range c.cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
