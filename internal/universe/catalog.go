// Package universe classifies solar systems by security band and region.
package universe

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ignite/battlescope/internal/domain"
)

// PochvenRegionID is the region whose systems are classed as pochven
// regardless of their nominal security status.
const PochvenRegionID = 10000070

// System is one catalogue entry.
type System struct {
	ID       int64                `yaml:"id"`
	Name     string               `yaml:"name"`
	RegionID int64                `yaml:"region_id"`
	Security float64              `yaml:"security"`
	Class    domain.SecurityClass `yaml:"class,omitempty"`
}

type catalogFile struct {
	Systems []System `yaml:"systems"`
}

// Catalog is an immutable lookup table of known systems. The zero value has
// no entries and classifies by id range only.
type Catalog struct {
	systems map[int64]System
}

// NewCatalog builds a catalog from entries.
func NewCatalog(systems []System) *Catalog {
	c := &Catalog{systems: make(map[int64]System, len(systems))}
	for _, s := range systems {
		c.systems[s.ID] = s
	}
	return c
}

// Load reads a YAML systems file. An empty path yields an empty catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read systems file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse systems file %s: %w", path, err)
	}
	return NewCatalog(f.Systems), nil
}

// Len returns the number of catalogued systems.
func (c *Catalog) Len() int { return len(c.systems) }

// Classify returns the security class and region of a system. Unknown
// systems fall back to the id ranges of wormhole and abyssal space.
func (c *Catalog) Classify(systemID int64) (domain.SecurityClass, *int64) {
	s, ok := c.systems[systemID]
	if !ok {
		return classifyByID(systemID), nil
	}
	region := domain.Int64Ptr(s.RegionID)
	if s.Class != "" {
		return s.Class, region
	}
	if id := classifyByID(systemID); id != domain.SecurityUnknown {
		return id, region
	}
	if s.RegionID == PochvenRegionID {
		return domain.SecurityPochven, region
	}
	return classifySecurity(s.Security), region
}

func classifyByID(systemID int64) domain.SecurityClass {
	switch {
	case systemID >= 31000000 && systemID <= 31999999:
		return domain.SecurityWormhole
	case systemID >= 32000000:
		return domain.SecurityAbyssal
	default:
		return domain.SecurityUnknown
	}
}

// classifySecurity applies the in-game rounding to one decimal place.
func classifySecurity(sec float64) domain.SecurityClass {
	rounded := math.Round(sec*10) / 10
	switch {
	case rounded >= 0.5:
		return domain.SecurityHigh
	case rounded > 0:
		return domain.SecurityLow
	default:
		return domain.SecurityNull
	}
}
