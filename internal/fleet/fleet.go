package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warmfleet/browserpool/internal/pool"
	"github.com/warmfleet/browserpool/pkg/models"
)

// Region names a deployment location for browsers, e.g. "us-west-2".
type Region string

// Config describes the pools a fleet runs. Every region gets its own pool
// built from the same template.
type Config struct {
	Regions       []string
	DefaultRegion string
	Pool          pool.Config
	Logger        *zap.Logger
}

// ProvisionerFunc returns the provisioner serving one region.
type ProvisionerFunc func(region string) pool.Provisioner

// Manager holds one warm pool per region and routes acquisitions to them.
// The pool map is immutable after New.
type Manager struct {
	pools         map[Region]*pool.Pool
	defaultRegion Region
	log           *zap.Logger
}

// New builds a pool for every configured region. All pools share the
// connector; each gets its own regional provisioner.
func New(cfg Config, provisioners ProvisionerFunc, connector pool.Connector) (*Manager, error) {
	if len(cfg.Regions) == 0 {
		return nil, errors.New("fleet: at least one region is required")
	}
	if provisioners == nil {
		return nil, errors.New("fleet: provisioner factory is required")
	}

	defaultRegion := Region(cfg.DefaultRegion)
	if defaultRegion == "" {
		defaultRegion = Region(cfg.Regions[0])
	}
	known := make(map[Region]bool, len(cfg.Regions))
	for _, name := range cfg.Regions {
		if known[Region(name)] {
			return nil, fmt.Errorf("fleet: region %s listed twice", name)
		}
		known[Region(name)] = true
	}
	if !known[defaultRegion] {
		return nil, fmt.Errorf("fleet: default region %s is not configured", defaultRegion)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	f := &Manager{
		pools:         make(map[Region]*pool.Pool, len(cfg.Regions)),
		defaultRegion: defaultRegion,
		log:           log,
	}
	for _, name := range cfg.Regions {
		poolCfg := cfg.Pool
		poolCfg.Logger = log.With(zap.String("region", name))
		p, err := pool.New(poolCfg, provisioners(name), connector)
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			for _, built := range f.pools {
				_ = built.Shutdown(ctx)
			}
			cancel()
			return nil, fmt.Errorf("fleet: pool for %s: %w", name, err)
		}
		f.pools[Region(name)] = p
	}
	return f, nil
}

// Route resolves a requested region to one the fleet actually runs. Unknown
// or empty regions land on the default.
func (f *Manager) Route(requested string) Region {
	region := Region(requested)
	if _, ok := f.pools[region]; ok {
		return region
	}
	return f.defaultRegion
}

// Acquire leases a browser from the requested region's pool and reports
// which region actually served it.
func (f *Manager) Acquire(ctx context.Context, requested string) (Region, *pool.Session, error) {
	region := f.Route(requested)
	s, err := f.pools[region].Acquire(ctx)
	if err != nil {
		return region, nil, err
	}
	return region, s, nil
}

// Release returns a session to the pool it came from.
func (f *Manager) Release(region Region, s *pool.Session, failed bool) {
	if p, ok := f.pools[region]; ok {
		p.Release(s, failed)
	}
}

// Initialize warms every pool in turn. The first slot of each region is
// awaited so a dead upstream surfaces here instead of on the first lease.
func (f *Manager) Initialize(ctx context.Context) error {
	for _, region := range f.Regions() {
		if err := f.pools[region].Initialize(ctx); err != nil {
			return fmt.Errorf("warm %s: %w", region, err)
		}
	}
	return nil
}

// Regions lists the configured regions in stable order.
func (f *Manager) Regions() []Region {
	regions := make([]Region, 0, len(f.pools))
	for r := range f.pools {
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return regions
}

// Stats snapshots every pool, sorted by region.
func (f *Manager) Stats() []models.PoolStats {
	out := make([]models.PoolStats, 0, len(f.pools))
	for region, p := range f.pools {
		st := p.Stats()
		out = append(out, models.PoolStats{
			Region:    string(region),
			Available: st.Available,
			InUse:     st.InUse,
			Creating:  st.Creating,
			Waiting:   st.Waiting,
			Total:     st.Total,
			MaxSize:   st.MaxSize,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// Shutdown closes every pool in parallel, bounded by ctx.
func (f *Manager) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for region, p := range f.pools {
		g.Go(func() error {
			if err := p.Shutdown(ctx); err != nil {
				return fmt.Errorf("shut down %s: %w", region, err)
			}
			return nil
		})
	}
	return g.Wait()
}
