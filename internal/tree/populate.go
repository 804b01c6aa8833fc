package tree

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/skyvault/skyvault-go/internal/remote"
)

// root returns the root node, populating the full tree on first access.
// Concurrent cold calls coalesce into a single FetchTree.
func (c *Cache) root(ctx context.Context) (*Node, error) {
	c.mu.RLock()
	rootID := c.rootID
	c.mu.RUnlock()

	if rootID != "" {
		return c.get(rootID)
	}

	_, err, _ := c.group.Do(treeKey, func() (any, error) {
		// Re-check under the singleflight: a concurrent caller may have
		// populated the tree while this one waited.
		c.mu.RLock()
		populated := c.rootID != ""
		c.mu.RUnlock()

		if populated {
			return nil, nil //nolint:nilnil
		}

		entries, fetchErr := c.fetcher.FetchTree(ctx)
		if fetchErr != nil {
			return nil, fetchErr
		}

		c.installTree(entries)

		return nil, nil //nolint:nilnil
	})
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	rootID = c.rootID
	c.mu.RUnlock()

	if rootID == "" {
		return nil, fmt.Errorf("%w: authority returned no root node", ErrNotFound)
	}

	return c.get(rootID)
}

// installTree replaces the whole cache content with a fresh tree fetch.
func (c *Cache) installTree(entries []remote.NodeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = make(map[string]*Node, len(entries))
	c.children = make(map[string]map[string]string)
	c.listed = make(map[string]time.Time)
	c.pending = make(map[string][]Node)
	c.rootID = ""

	for _, e := range entries {
		c.insertLocked(entryToNode(e))
	}

	now := c.now()
	for id, n := range c.nodes {
		if n.IsFolder() {
			c.listed[id] = now
		}
	}

	nodes, orphans := len(c.nodes), 0
	for _, list := range c.pending {
		orphans += len(list)
	}

	c.logger.Info("tree populated",
		slog.Int("nodes", nodes),
		slog.Int("orphans", orphans),
	)
}

// ensureChildren guarantees the children of parentID are populated and
// fresh. Stale or cold listings trigger a ListChildren fetch, coalesced
// per parent via singleflight.
func (c *Cache) ensureChildren(ctx context.Context, parentID string) error {
	c.mu.RLock()
	listedAt, ok := c.listed[parentID]
	ttl := c.ttl
	c.mu.RUnlock()

	if ok && c.now().Sub(listedAt) < ttl {
		return nil
	}

	_, err, _ := c.group.Do(parentID, func() (any, error) {
		// Re-check: a coalesced waiter may find the listing already fresh.
		c.mu.RLock()
		listedAt, ok := c.listed[parentID]
		c.mu.RUnlock()

		if ok && c.now().Sub(listedAt) < ttl {
			return nil, nil //nolint:nilnil
		}

		entries, fetchErr := c.fetcher.ListChildren(ctx, parentID)
		if fetchErr != nil {
			return nil, fetchErr
		}

		c.installChildren(parentID, entries)

		return nil, nil //nolint:nilnil
	})

	return err
}

// installChildren replaces the child set of parentID with a fresh listing.
// Children no longer present are dropped from the node table along with
// their own (now unreachable) subtrees' listings.
func (c *Cache) installChildren(parentID string, entries []remote.NodeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		seen[e.ID] = true
		c.insertLocked(entryToNode(e))
	}

	for name, id := range c.children[parentID] {
		if !seen[id] {
			delete(c.children[parentID], name)
			c.removeLocked(id)
		}
	}

	c.listed[parentID] = c.now()
}

// lookupChild returns the ID of the named child of parentID, populating
// the listing if cold or stale.
func (c *Cache) lookupChild(ctx context.Context, parentID, name string) (string, error) {
	if err := c.ensureChildren(ctx, parentID); err != nil {
		return "", err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.children[parentID][normalizeName(name)]
	if !ok {
		return "", ErrNotFound
	}

	return id, nil
}

// get returns a copy of the node with the given ID.
func (c *Cache) get(id string) (*Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, ok := c.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *n

	return &copied, nil
}

// insertLocked adds or updates a node. A non-root node whose parent is not
// yet cached is parked in pending until the parent arrives — the cache
// never holds a child reachable through a missing parent. Caller holds mu.
func (c *Cache) insertLocked(n Node) {
	if n.Kind == remote.KindRoot {
		n.ParentID = ""
		c.rootID = n.ID
	} else if _, ok := c.nodes[n.ParentID]; !ok {
		c.pending[n.ParentID] = append(c.pending[n.ParentID], n)
		return
	}

	c.attachLocked(n)

	// Adopt any orphans that were waiting for this node.
	if waiting, ok := c.pending[n.ID]; ok {
		delete(c.pending, n.ID)

		for _, orphan := range waiting {
			c.insertLocked(orphan)
		}

		// The adopted children arrived through the event feed, which may
		// run ahead of the authority's listings. Treat the folder as
		// listed so the next lookup does not fetch a listing that
		// predates the events and drop them; the TTL still forces a
		// reconciliation later.
		if n.IsFolder() {
			c.listed[n.ID] = c.now()
		}
	}
}

// attachLocked places a node into the table and its parent's name index,
// detaching it from a previous parent on move or rename. Caller holds mu.
func (c *Cache) attachLocked(n Node) {
	if prev, ok := c.nodes[n.ID]; ok {
		if idx := c.children[prev.ParentID]; idx != nil {
			delete(idx, normalizeName(prev.Name))
		}
	}

	stored := n
	c.nodes[n.ID] = &stored

	if n.ParentID != "" {
		idx := c.children[n.ParentID]
		if idx == nil {
			idx = make(map[string]string)
			c.children[n.ParentID] = idx
		}

		idx[normalizeName(n.Name)] = n.ID
	}
}

// removeLocked drops a node and cascades over its cached subtree. The
// cascade is explicit — parent links alone never free children. Caller
// holds mu.
func (c *Cache) removeLocked(id string) {
	n, ok := c.nodes[id]
	if !ok {
		return
	}

	if idx := c.children[n.ParentID]; idx != nil {
		delete(idx, normalizeName(n.Name))
	}

	for _, childID := range c.children[id] {
		c.removeLocked(childID)
	}

	delete(c.children, id)
	delete(c.listed, id)
	delete(c.nodes, id)
}

// entryToNode converts a wire entry to a cached node, normalizing the name.
func entryToNode(e remote.NodeEntry) Node {
	return Node{
		ID:         e.ID,
		ParentID:   e.ParentID,
		Name:       norm.NFC.String(e.Name),
		Kind:       e.Kind,
		Size:       e.Size,
		ContentMAC: e.ContentMAC,
		ModifiedAt: e.ModifiedAt,
	}
}

// normalizeName produces the canonical child-index key for a node name.
// NFC normalization keeps lookups stable across platforms that produce
// decomposed forms (macOS) versus composed forms.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// splitPath validates and splits an absolute remote path into segments.
// "/" resolves to the root (zero segments).
func splitPath(path string) ([]string, error) {
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: path %q must be absolute", ErrNotFound, path)
	}

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}

	segments := strings.Split(trimmed, "/")
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return nil, fmt.Errorf("%w: path %q contains invalid segment %q", ErrNotFound, path, seg)
		}
	}

	return segments, nil
}

// joinSegments rebuilds a display path from resolved segments.
func joinSegments(segments []string) string {
	return "/" + strings.Join(segments, "/")
}
