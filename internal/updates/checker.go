package updates

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"naspanel/internal/execx"
	logx "naspanel/pkg/logx"
)

const (
	DefaultCacheTTL      = 12 * time.Hour
	defaultUpdateTimeout = 2 * time.Minute
	cacheKey             = "upgradable"
)

// Runner runs shell commands. *execx.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, command string, opts execx.Options) (execx.Result, error)
}

type CheckerConfig struct {
	CacheTTL      time.Duration // default 12h
	UpdateTimeout time.Duration // apt-get update bound; default 2m
}

// Checker lists upgradable packages. Results are cached; concurrent checks
// share one apt run.
type Checker struct {
	run   Runner
	cfg   CheckerConfig
	log   logx.Logger
	cache *expirable.LRU[string, []Package]
	group singleflight.Group
}

func NewChecker(run Runner, cfg CheckerConfig, log logx.Logger) *Checker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = defaultUpdateTimeout
	}
	return &Checker{
		run:   run,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "updates")),
		cache: expirable.NewLRU[string, []Package](1, nil, cfg.CacheTTL),
	}
}

// Check returns the upgradable packages. force skips the cache.
func (c *Checker) Check(ctx context.Context, force bool) ([]Package, error) {
	if !force {
		if pkgs, ok := c.cache.Get(cacheKey); ok {
			return clonePackages(pkgs), nil
		}
	}
	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		if _, err := c.run.Run(ctx, "apt-get update", execx.Options{Timeout: c.cfg.UpdateTimeout}); err != nil {
			return nil, err
		}
		res, err := c.run.Run(ctx, "apt list --upgradable", execx.Options{})
		if err != nil {
			return nil, err
		}
		pkgs := ParseUpgradable(res.Stdout)
		c.cache.Add(cacheKey, pkgs)
		c.log.Info("update check finished", logx.Int("upgradable", len(pkgs)))
		return pkgs, nil
	})
	if err != nil {
		return nil, err
	}
	return clonePackages(v.([]Package)), nil
}

// Invalidate drops the cached result, e.g. after an install.
func (c *Checker) Invalidate() { c.cache.Remove(cacheKey) }

func clonePackages(in []Package) []Package {
	return append([]Package{}, in...)
}
