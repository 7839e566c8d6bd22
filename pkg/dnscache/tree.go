package dnscache

import (
	"strings"
	"sync"
)

// Tree indexes zones by owner name using reversed DNS labels, so that a
// name and every ancestor of that name share a common path from the
// root -- "www.example.com." walks root -> com -> example -> www. This
// makes closest-enclosing-zone lookup (for NS delegation and DNAME
// substitution) a single downward walk instead of a suffix scan.
type Tree struct {
	mu   sync.RWMutex
	root *treeNode
}

type treeNode struct {
	label    string
	children map[string]*treeNode
	zone     *zone // nil for a pure path node with no cached data of its own
}

// NewTree returns an empty tree, its root standing in for the DNS root
// zone ".".
func NewTree() *Tree {
	return &Tree{root: &treeNode{children: make(map[string]*treeNode)}}
}

// reversedLabels splits an owner name into labels, root-first, e.g.
// "www.example.com." -> ["com", "example", "www"]. The trailing root dot
// and any empty labels from a leading/trailing dot are dropped.
func reversedLabels(owner string) []string {
	owner = strings.TrimSuffix(strings.ToLower(owner), ".")
	if owner == "" {
		return nil
	}
	parts := strings.Split(owner, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// getOrAdd returns the zone for owner, creating path nodes and the zone
// itself as needed.
func (t *Tree) getOrAdd(owner string) *zone {
	labels := reversedLabels(owner)

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, label := range labels {
		child, ok := n.children[label]
		if !ok {
			child = &treeNode{children: make(map[string]*treeNode)}
			n.children[label] = child
		}
		n = child
	}
	if n.zone == nil {
		n.zone = newZone(strings.ToLower(owner))
	}
	return n.zone
}

// tryGet returns the zone exactly matching owner, or nil.
func (t *Tree) tryGet(owner string) *zone {
	labels := reversedLabels(owner)

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	for _, label := range labels {
		child, ok := n.children[label]
		if !ok {
			return nil
		}
		n = child
	}
	return n.zone
}

// findZone walks from the root toward owner and returns:
//   - exact: the zone exactly matching owner, if any
//   - closest: the nearest ancestor zone that holds any data at all
//   - delegation: the nearest ancestor zone (strictly above owner, i.e.
//     excluding owner itself) that carries a live NS record -- the zone
//     a referral response should be built from, per invariant 6 (the
//     apex NS of the queried name itself is not a delegation point)
func (t *Tree) findZone(owner string) (exact, closest, delegation *zone) {
	labels := reversedLabels(owner)

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	consumed := 0
	for i, label := range labels {
		child, ok := n.children[label]
		if !ok {
			break
		}
		n = child
		consumed++
		if n.zone != nil {
			closest = n.zone
			if i < len(labels)-1 && n.zone.hasLiveNS() {
				delegation = n.zone
			}
		}
	}
	if n.zone != nil && consumed == len(labels) {
		exact = n.zone
	}
	return exact, closest, delegation
}

// tryRemove deletes the zone (and any now-empty path nodes up to, but
// not including, the root) exactly matching owner.
func (t *Tree) tryRemove(owner string) bool {
	labels := reversedLabels(owner)

	t.mu.Lock()
	defer t.mu.Unlock()

	path := make([]*treeNode, 0, len(labels)+1)
	path = append(path, t.root)
	n := t.root
	for _, label := range labels {
		child, ok := n.children[label]
		if !ok {
			return false
		}
		n = child
		path = append(path, n)
	}
	if n.zone == nil {
		return false
	}
	n.zone = nil
	pruneEmptyPath(path, labels)
	return true
}

// tryRemoveSubtree deletes owner's zone and every zone beneath it
// (used for delete_zone per spec §4.6, which also clears descendants).
func (t *Tree) tryRemoveSubtree(owner string) int {
	labels := reversedLabels(owner)

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	parent := t.root
	var lastLabel string
	for _, label := range labels {
		child, ok := n.children[label]
		if !ok {
			return 0
		}
		parent = n
		lastLabel = label
		n = child
	}
	if len(labels) == 0 {
		// Removing the root subtree: drop everything under it.
		count := countZones(n)
		n.zone = nil
		n.children = make(map[string]*treeNode)
		return count
	}
	count := countZones(n)
	delete(parent.children, lastLabel)
	return count
}

func countZones(n *treeNode) int {
	count := 0
	if n.zone != nil {
		count = 1
	}
	for _, c := range n.children {
		count += countZones(c)
	}
	return count
}

// pruneEmptyPath removes trailing nodes in path that now hold neither a
// zone nor any children, walking from the leaf back toward (but not
// including) the root.
func pruneEmptyPath(path []*treeNode, labels []string) {
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		if n.zone != nil || len(n.children) > 0 {
			break
		}
		delete(path[i-1].children, labels[i-1])
	}
}

// enumerate walks every zone in the tree in an unspecified order,
// calling fn for each. fn returning false stops the walk early. This is
// weakly consistent: it takes no lock across the whole walk, only while
// reading a node's children, so a concurrent mutation may or may not be
// observed.
func (t *Tree) enumerate(fn func(*zone) bool) {
	enumerateNode(t, t.root, fn)
}

func enumerateNode(t *Tree, n *treeNode, fn func(*zone) bool) bool {
	if n == nil {
		return true
	}
	if n.zone != nil {
		if !fn(n.zone) {
			return false
		}
	}
	t.mu.RLock()
	children := make([]*treeNode, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	t.mu.RUnlock()
	for _, c := range children {
		if !enumerateNode(t, c, fn) {
			return false
		}
	}
	return true
}

// subtreeOwners returns the owner name of every zone at or below owner,
// including owner itself if it holds data (used by list_sub_domains).
func (t *Tree) subtreeOwners(owner string) []string {
	labels := reversedLabels(owner)

	t.mu.RLock()
	n := t.root
	for _, label := range labels {
		child, ok := n.children[label]
		if !ok {
			t.mu.RUnlock()
			return nil
		}
		n = child
	}
	t.mu.RUnlock()

	var out []string
	enumerateNode(t, n, func(z *zone) bool {
		out = append(out, z.owner)
		return true
	})
	return out
}
