package grid

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultProfileCacheSize = 64

// ProfileCache memoizes ServiceGrids per TileGrid so profile detection runs once per grid.
type ProfileCache struct {
	crs     Transformer
	entries *lru.Cache[*TileGrid, *ServiceGrid]
}

func NewProfileCache(crs Transformer, size int) (*ProfileCache, error) {
	if size <= 0 {
		size = defaultProfileCacheSize
	}
	c, err := lru.New[*TileGrid, *ServiceGrid](size)
	if err != nil {
		return nil, err
	}
	return &ProfileCache{crs: crs, entries: c}, nil
}

// Get returns the ServiceGrid for g, building it on first use.
func (p *ProfileCache) Get(g *TileGrid) *ServiceGrid {
	if sg, ok := p.entries.Get(g); ok {
		return sg
	}
	sg := NewServiceGrid(g, p.crs)
	p.entries.Add(g, sg)
	return sg
}

func (p *ProfileCache) Len() int { return p.entries.Len() }
