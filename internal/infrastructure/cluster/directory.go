package cluster

import (
	"context"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/cache"
)

const nodesCacheKey = "nodes"

// NodeLister is the coordinator view a directory is built on.
type NodeLister interface {
	Nodes(ctx context.Context) ([]domain.Node, error)
}

// CachedDirectory answers peer lookups from a short-lived copy of the
// coordinator's node list.
type CachedDirectory struct {
	self   domain.NodeID
	lister NodeLister
	cache  *cache.Cache[[]domain.Node]
}

var _ ports.PeerDirectory = (*CachedDirectory)(nil)

func NewCachedDirectory(self domain.NodeID, lister NodeLister, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		self:   self,
		lister: lister,
		cache:  cache.New[[]domain.Node](ttl),
	}
}

func (d *CachedDirectory) nodes(ctx context.Context) ([]domain.Node, error) {
	return d.cache.GetOrSet(ctx, nodesCacheKey, d.lister.Nodes)
}

func (d *CachedDirectory) ActivePeers(ctx context.Context) ([]domain.Node, error) {
	nodes, err := d.nodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != d.self && n.Status == domain.NodeActive {
			out = append(out, n)
		}
	}
	return out, nil
}

// Lookup refreshes the cached list once when nodeID is unknown.
func (d *CachedDirectory) Lookup(ctx context.Context, nodeID domain.NodeID) (domain.Node, bool, error) {
	for refreshed := false; ; refreshed = true {
		nodes, err := d.nodes(ctx)
		if err != nil {
			return domain.Node{}, false, err
		}
		for _, n := range nodes {
			if n.ID == nodeID {
				return n, true, nil
			}
		}
		if refreshed {
			return domain.Node{}, false, nil
		}
		d.Invalidate()
	}
}

// Invalidate drops the cached node list.
func (d *CachedDirectory) Invalidate() {
	d.cache.Delete(nodesCacheKey)
}

func (d *CachedDirectory) Close() {
	d.cache.Stop()
}
