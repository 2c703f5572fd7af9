package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/driftline/spotwatch/internal/models"
)

// Catalog indexes the configured pools by id and hardware family.
type Catalog struct {
	pools     map[string]models.Pool
	locations map[string]*time.Location
	ids       []string
}

// NewCatalog validates pool ids and IANA locations.
func NewCatalog(pools []models.Pool) (*Catalog, error) {
	c := &Catalog{
		pools:     make(map[string]models.Pool, len(pools)),
		locations: make(map[string]*time.Location, len(pools)),
	}
	for _, p := range pools {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("pool id is required")
		}
		if _, dup := c.pools[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pool id %q", p.ID)
		}
		if p.Location != "" {
			loc, err := time.LoadLocation(p.Location)
			if err != nil {
				return nil, fmt.Errorf("pool %s: %w", p.ID, err)
			}
			c.locations[p.ID] = loc
		}
		c.pools[p.ID] = p
		c.ids = append(c.ids, p.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// Pool looks up a pool by id.
func (c *Catalog) Pool(id string) (models.Pool, bool) {
	if c == nil {
		return models.Pool{}, false
	}
	p, ok := c.pools[id]
	return p, ok
}

// IDs returns every pool id in sorted order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.ids...)
}

// Siblings returns the other pools of id's hardware family, sorted by id.
func (c *Catalog) Siblings(id string) []models.Pool {
	p, ok := c.Pool(id)
	if !ok || p.Family == "" {
		return nil
	}
	var out []models.Pool
	for _, other := range c.ids {
		if other != id && c.pools[other].Family == p.Family {
			out = append(out, c.pools[other])
		}
	}
	return out
}

// Location returns the pool's time zone, or nil when none is configured.
func (c *Catalog) Location(id string) *time.Location {
	if c == nil {
		return nil
	}
	return c.locations[id]
}
