package discovery

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/podup/podup/pkg/host"
	"github.com/podup/podup/pkg/log"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

// Unit discovery sources
const (
	SourceDir = "dir"
	SourcePS  = "ps"
)

// Discovery finds auto-updatable units from the Quadlet directory and
// from running containers, and persists them in discovered_units.
type Discovery struct {
	store        *store.Store
	backend      host.Backend
	containerDir string
	now          func() time.Time

	mu  sync.Mutex
	ran bool
}

// New builds a discovery service. containerDir may be empty, in which
// case only the podman-ps source contributes.
func New(s *store.Store, b host.Backend, containerDir string) *Discovery {
	return &Discovery{store: s, backend: b, containerDir: containerDir, now: time.Now}
}

// Run performs discovery at most once per process. A refresh forces a
// fresh scan regardless of prior runs. The persisted rows are returned
// sorted by unit name.
func (d *Discovery) Run(ctx context.Context, refresh bool) ([]*types.DiscoveredUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ran && !refresh {
		return d.store.ListDiscoveredUnits()
	}
	units := d.scan(ctx)
	for _, u := range units {
		if err := d.store.UpsertDiscoveredUnit(u); err != nil {
			return nil, err
		}
	}
	d.ran = true
	return d.store.ListDiscoveredUnits()
}

// scan merges both sources, deduplicates by unit name (the directory
// source wins) and sorts.
func (d *Discovery) scan(ctx context.Context) []*types.DiscoveredUnit {
	now := d.now().UTC()
	seen := map[string]*types.DiscoveredUnit{}
	var order []string

	add := func(unit, source string) {
		if err := types.ValidateUnitName(unit); err != nil {
			return
		}
		if _, ok := seen[unit]; ok {
			return
		}
		seen[unit] = &types.DiscoveredUnit{Unit: unit, Source: source, DiscoveredAt: now}
		order = append(order, unit)
	}

	for _, unit := range d.scanDir(ctx) {
		add(unit, SourceDir)
	}
	for _, unit := range d.scanPS(ctx) {
		add(unit, SourcePS)
	}

	sort.Strings(order)
	units := make([]*types.DiscoveredUnit, len(order))
	for i, name := range order {
		units[i] = seen[name]
	}
	return units
}

// scanDir reads the Quadlet directory. A missing or unreadable
// directory is non-fatal and yields nothing.
func (d *Discovery) scanDir(ctx context.Context) []string {
	if d.containerDir == "" {
		return nil
	}
	entries, err := d.backend.ListDir(ctx, d.containerDir)
	if err != nil {
		log.WithComponent("discovery").Warn().Err(err).
			Str("dir", d.containerDir).Msg("quadlet directory scan failed")
		return nil
	}
	var units []string
	for _, name := range entries {
		unit, needsParse, ok := serviceNameFor(name)
		if !ok {
			continue
		}
		if needsParse {
			content, err := d.backend.ReadFile(ctx, filepath.Join(d.containerDir, name))
			if err != nil {
				log.WithComponent("discovery").Warn().Err(err).
					Str("file", name).Msg("quadlet file unreadable, skipping")
				continue
			}
			q := parseQuadlet(content)
			if v, found := q.anyKey("autoupdate"); found && autoupdateDisabled(v) {
				continue
			}
		}
		units = append(units, unit)
	}
	return units
}

// psContainer is the subset of `podman ps --format json` we read
type psContainer struct {
	Names  []string          `json:"Names"`
	Labels map[string]string `json:"Labels"`
}

// scanPS lists containers labelled for auto-update. Podman being
// unavailable is non-fatal.
func (d *Discovery) scanPS(ctx context.Context) []string {
	res, err := d.backend.Podman(ctx,
		"ps", "-a", "--filter", "label=io.containers.autoupdate", "--format", "json")
	if err != nil || !res.Success() {
		log.WithComponent("discovery").Warn().Err(err).Msg("podman ps scan failed")
		return nil
	}
	var containers []psContainer
	if err := json.Unmarshal([]byte(res.Stdout), &containers); err != nil {
		log.WithComponent("discovery").Warn().Err(err).Msg("podman ps output unparseable")
		return nil
	}
	var units []string
	for _, c := range containers {
		if autoupdateDisabled(c.Labels["io.containers.autoupdate"]) {
			continue
		}
		unit := c.Labels["io.podman.systemd.unit"]
		if unit == "" {
			unit = c.Labels["io.containers.autoupdate.unit"]
		}
		if unit == "" && len(c.Names) > 0 && c.Names[0] != "" {
			unit = c.Names[0] + ".service"
		}
		if unit == "" {
			continue
		}
		units = append(units, unit)
	}
	return units
}

// UnitImage resolves the expected image of a unit from its Quadlet
// .container file, for webhook image matching. Returns ("", false)
// when the file is missing or carries no [Container] Image=.
func (d *Discovery) UnitImage(ctx context.Context, unit string) (string, bool) {
	if d.containerDir == "" {
		return "", false
	}
	stem := strings.TrimSuffix(unit, ".service")
	content, err := d.backend.ReadFile(ctx, filepath.Join(d.containerDir, stem+".container"))
	if err != nil || len(content) == 0 {
		return "", false
	}
	image := parseQuadlet(content).containerImage()
	if image == "" {
		return "", false
	}
	return image, true
}
