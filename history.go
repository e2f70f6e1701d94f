package pumped

import "sync"

// History keeps the summaries of recently completed root scopes, indexed by
// scope ID. When the number of kept scopes exceeds the limit the oldest
// root tree is evicted.
type History struct {
	mu       sync.RWMutex
	nodes    map[string]*Summary
	byParent map[string][]string
	roots    []string
	limit    int
}

func newHistory(limit int) *History {
	return &History{
		nodes:    make(map[string]*Summary),
		byParent: make(map[string][]string),
		roots:    []string{},
		limit:    limit,
	}
}

func (h *History) add(root *Summary) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.roots = append(h.roots, root.ID)
	root.Walk(func(node *Summary, _ int) bool {
		h.nodes[node.ID] = node
		for _, child := range node.Children {
			h.byParent[node.ID] = append(h.byParent[node.ID], child.ID)
		}
		return true
	})

	for len(h.nodes) > h.limit && len(h.roots) > 1 {
		h.evictOldest()
	}
}

func (h *History) evictOldest() {
	oldestRoot := h.roots[0]
	h.roots = h.roots[1:]

	h.removeSubtree(oldestRoot)
}

func (h *History) removeSubtree(id string) {
	delete(h.nodes, id)

	children := h.byParent[id]
	delete(h.byParent, id)

	for _, childID := range children {
		h.removeSubtree(childID)
	}
}

// Get returns the summary of any kept scope
func (h *History) Get(id string) *Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodes[id]
}

// Children returns the kept children of a scope, in exit order
func (h *History) Children(id string) []*Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	childIDs := h.byParent[id]
	children := make([]*Summary, 0, len(childIDs))
	for _, childID := range childIDs {
		if node := h.nodes[childID]; node != nil {
			children = append(children, node)
		}
	}
	return children
}

// Roots returns the kept root summaries, oldest first
func (h *History) Roots() []*Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roots := make([]*Summary, 0, len(h.roots))
	for _, rootID := range h.roots {
		if node := h.nodes[rootID]; node != nil {
			roots = append(roots, node)
		}
	}
	return roots
}

// Filter returns every kept scope matching predicate, in no particular order
func (h *History) Filter(predicate func(*Summary) bool) []*Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []*Summary
	for _, node := range h.nodes {
		if predicate(node) {
			result = append(result, node)
		}
	}
	return result
}

// Len returns the number of kept scopes
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}
