// Package tree maintains an in-memory mirror of the remote node hierarchy.
//
// The cache is populated lazily per subtree and kept consistent through a
// TTL, explicit refresh, and change events from the authority's event feed.
// Parents are weak back-references (ID lookups into the central node table),
// never pointer ownership, so the structure cannot form cycles.
package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skyvault/skyvault-go/internal/remote"
)

// DefaultTTL is how long a populated subtree listing stays fresh without
// a refresh or change event.
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned when a path or node does not exist in the remote
// hierarchy. Resolution fails fast at the first missing segment.
var ErrNotFound = errors.New("tree: not found")

// ErrNotFolder is returned when a path segment other than the last resolves
// to a file, or List is called on a file node.
var ErrNotFolder = errors.New("tree: not a folder")

// treeKey is the singleflight key for full-tree population.
const treeKey = "\x00tree"

// Node is a cached remote filesystem entry. Values returned by the cache
// are copies; mutating them does not affect the cache.
type Node struct {
	ID         string
	ParentID   string // empty for the root; weak reference by ID
	Name       string
	Kind       remote.NodeKind
	Size       int64
	ContentMAC []byte
	ModifiedAt time.Time
}

// IsFolder reports whether the node can contain children.
func (n *Node) IsFolder() bool {
	return n.Kind == remote.KindFolder || n.Kind == remote.KindRoot
}

// Fetcher is the remote surface the cache needs. *remote.Client satisfies it.
type Fetcher interface {
	FetchTree(ctx context.Context) ([]remote.NodeEntry, error)
	ListChildren(ctx context.Context, nodeID string) ([]remote.NodeEntry, error)
}

// Cache is the shared remote-tree mirror. All mutation happens under mu in
// the populate/refresh/event paths; concurrent cold lookups of the same
// subtree coalesce into one remote fetch via singleflight.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *slog.Logger

	group singleflight.Group

	// now is the clock; tests override it to control TTL expiry.
	now func() time.Time

	mu       sync.RWMutex
	nodes    map[string]*Node             // node ID -> node
	children map[string]map[string]string // parent ID -> normalized name -> child ID
	listed   map[string]time.Time         // parent ID -> children population time
	pending  map[string][]Node            // missing parent ID -> orphaned nodes
	rootID   string
}

// New creates an empty cache. ttl of 0 selects DefaultTTL.
func New(fetcher Fetcher, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		fetcher:  fetcher,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		nodes:    make(map[string]*Node),
		children: make(map[string]map[string]string),
		listed:   make(map[string]time.Time),
		pending:  make(map[string][]Node),
	}
}

// Resolve walks path from the root and returns the node it names.
// Fails with ErrNotFound at the first missing segment — no partial-match
// fallback. Segment names are NFC-normalized before comparison.
func (c *Cache) Resolve(ctx context.Context, path string) (*Node, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	node, err := c.root(ctx)
	if err != nil {
		return nil, err
	}

	for i, seg := range segments {
		if !node.IsFolder() {
			return nil, fmt.Errorf("%w: %q", ErrNotFolder, joinSegments(segments[:i]))
		}

		childID, err := c.lookupChild(ctx, node.ID, seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %q (missing segment %q)", ErrNotFound, path, seg)
		}

		node, err = c.get(childID)
		if err != nil {
			return nil, fmt.Errorf("%w: %q (missing segment %q)", ErrNotFound, path, seg)
		}
	}

	return node, nil
}

// List returns the immediate children of the node at path, sorted by name.
func (c *Cache) List(ctx context.Context, path string) ([]Node, error) {
	node, err := c.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}

	if !node.IsFolder() {
		return nil, fmt.Errorf("%w: %q", ErrNotFolder, path)
	}

	if err := c.ensureChildren(ctx, node.ID); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.children[node.ID]
	out := make([]Node, 0, len(ids))

	for _, id := range ids {
		if child, ok := c.nodes[id]; ok {
			out = append(out, *child)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// Refresh forces repopulation. An empty or "/" scope reloads the full tree;
// any other scope re-lists that subtree's children.
func (c *Cache) Refresh(ctx context.Context, scope string) error {
	if scope == "" || scope == "/" {
		c.mu.Lock()
		c.rootID = ""
		c.mu.Unlock()

		_, err := c.root(ctx)

		return err
	}

	node, err := c.Resolve(ctx, scope)
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.listed, node.ID)
	c.mu.Unlock()

	return c.ensureChildren(ctx, node.ID)
}

// Prime populates the full tree. Called fire-and-forget after login so the
// first Resolve does not pay the population cost.
func (c *Cache) Prime(ctx context.Context) error {
	_, err := c.root(ctx)

	return err
}

// Stats returns the number of cached nodes and pending orphans.
func (c *Cache) Stats() (nodes, orphans int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, list := range c.pending {
		orphans += len(list)
	}

	return len(c.nodes), orphans
}
