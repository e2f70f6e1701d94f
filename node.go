package pumped

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MetricsNode accumulates the metrics of one scope and the totals of the
// children that exited inside it.
type MetricsNode struct {
	mu       sync.Mutex
	id       string
	parentID string
	label    string
	tags     map[string]any
	start    time.Time

	kinds  []reflect.Type
	own    map[reflect.Type]Metric
	totals map[reflect.Type]Metric

	children []*Summary
	pending  map[string]struct{}
	tasks    int

	finalizing bool
	finalized  bool
	idle       chan struct{}
	idleClosed bool
}

func newMetricsNode(id, parentID, label string, tags map[string]any, initial ...Metric) *MetricsNode {
	n := &MetricsNode{
		id:       id,
		parentID: parentID,
		label:    label,
		tags:     tags,
		start:    time.Now(),
		own:      make(map[reflect.Type]Metric),
		totals:   make(map[reflect.Type]Metric),
		pending:  make(map[string]struct{}),
		idle:     make(chan struct{}),
	}
	for _, m := range initial {
		if m != nil {
			n.combine(m)
		}
	}
	return n
}

func (n *MetricsNode) orderingError(op, reason string) *ScopeOrderingError {
	return &ScopeOrderingError{Label: n.label, Op: op, Reason: reason}
}

// register announces a child that will report through MergeChild.
func (n *MetricsNode) register(childID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.finalizing {
		return n.orderingError("enter child", "parent is finalizing")
	}
	n.pending[childID] = struct{}{}
	return nil
}

// abandon drops a registration whose child never became active.
func (n *MetricsNode) abandon(childID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.pending, childID)
	n.settle()
}

func (n *MetricsNode) addTask() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.finalizing {
		return n.orderingError("start task", "scope is finalizing")
	}
	n.tasks++
	return nil
}

func (n *MetricsNode) doneTask() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.tasks--
	n.settle()
}

// settle must be called with mu held.
func (n *MetricsNode) settle() {
	if n.finalizing && !n.idleClosed && len(n.pending) == 0 && n.tasks <= 0 {
		close(n.idle)
		n.idleClosed = true
	}
}

// combine must be called with mu held.
func (n *MetricsNode) combine(m Metric) {
	t := reflect.TypeOf(m)
	if cur, ok := n.own[t]; ok {
		n.own[t] = cur.Combine(m)
	} else {
		n.own[t] = cloneMetric(m)
	}
	n.addTotal(t, m)
}

func (n *MetricsNode) addTotal(t reflect.Type, m Metric) {
	if cur, ok := n.totals[t]; ok {
		n.totals[t] = cur.Combine(m)
		return
	}
	n.totals[t] = cloneMetric(m)
	n.kinds = append(n.kinds, t)
}

// cloneMetric detaches a first-stored value from the caller's map or slice.
func cloneMetric(m Metric) Metric {
	if c, ok := m.(Cloner); ok {
		return c.Clone()
	}
	return m
}

// Record combines metrics into the node. It is safe for concurrent use and
// fails only once the node is finalized.
func (n *MetricsNode) Record(metrics ...Metric) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.finalized {
		return n.orderingError("record", "scope already finalized")
	}
	for _, m := range metrics {
		if m != nil {
			n.combine(m)
		}
	}
	return nil
}

// MergeChild folds a registered child's totals into the node
func (n *MetricsNode) MergeChild(child *Summary) error {
	if child == nil {
		return n.orderingError("merge child", "nil summary")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.finalized {
		return n.orderingError("merge child", fmt.Sprintf("child %q merged after finalize", child.Label))
	}
	if _, ok := n.pending[child.ID]; !ok {
		return n.orderingError("merge child", fmt.Sprintf("child %q was never registered", child.Label))
	}
	delete(n.pending, child.ID)

	for _, t := range child.Kinds() {
		n.addTotal(t, child.Totals[t])
	}
	n.children = append(n.children, child)
	n.settle()
	return nil
}

func (n *MetricsNode) total(t reflect.Type) (Metric, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.totals[t]
	return m, ok
}

// Finalize stops child registration, waits up to timeout for registered
// children and tasks, and returns the node's immutable summary. A timeout
// yields the partial summary together with a *ScopeOrderingError. A zero
// timeout waits without bound.
func (n *MetricsNode) Finalize(timeout time.Duration, cause error) (*Summary, error) {
	n.mu.Lock()
	if n.finalizing {
		n.mu.Unlock()
		return nil, n.orderingError("finalize", "already finalized")
	}
	n.finalizing = true
	n.settle()
	n.mu.Unlock()

	var err error
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-n.idle:
		case <-timer.C:
		}
		timer.Stop()
	} else {
		<-n.idle
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.idleClosed {
		err = n.orderingError("finalize", fmt.Sprintf(
			"%d children and %d tasks did not report within %v",
			len(n.pending), n.tasks, timeout))
	}
	n.finalized = true

	return &Summary{
		ID:       n.id,
		ParentID: n.parentID,
		Label:    n.label,
		Start:    n.start,
		End:      time.Now(),
		Metrics:  lo.Assign(n.own),
		Totals:   lo.Assign(n.totals),
		Children: append([]*Summary(nil), n.children...),
		Tags:     lo.Assign(n.tags),
		Err:      cause,
		kinds:    append([]reflect.Type(nil), n.kinds...),
	}, err
}

// Summary is the finalized, read-only record of one scope
type Summary struct {
	ID       string
	ParentID string
	Label    string
	Start    time.Time
	End      time.Time
	// Metrics holds what was recorded directly in the scope.
	Metrics map[reflect.Type]Metric
	// Totals holds Metrics combined with every descendant's totals.
	Totals map[reflect.Type]Metric
	// Children in the order they exited.
	Children []*Summary
	Tags     map[string]any
	Err      error

	kinds []reflect.Type
}

func (s *Summary) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Kinds returns the metric types present in Totals, in first-seen order
func (s *Summary) Kinds() []reflect.Type {
	if len(s.kinds) == len(s.Totals) {
		return append([]reflect.Type(nil), s.kinds...)
	}
	types := lo.Keys(s.Totals)
	sort.Slice(types, func(i, j int) bool {
		return types[i].String() < types[j].String()
	})
	return types
}

// Walk visits s and its descendants depth-first. Returning false from the
// visitor skips the node's children.
func (s *Summary) Walk(visitor func(node *Summary, depth int) bool) {
	s.walk(visitor, 0)
}

func (s *Summary) walk(visitor func(*Summary, int) bool, depth int) {
	if !visitor(s, depth) {
		return
	}
	for _, child := range s.Children {
		child.walk(visitor, depth+1)
	}
}

// Find returns the first descendant (or s itself) with the given label
func (s *Summary) Find(label string) *Summary {
	var found *Summary
	s.Walk(func(node *Summary, _ int) bool {
		if found != nil {
			return false
		}
		if node.Label == label {
			found = node
			return false
		}
		return true
	})
	return found
}

// SummaryMetric returns the total of metric kind T in s
func SummaryMetric[T Metric](s *Summary) (T, bool) {
	return metricOf[T](s.Totals)
}

// OwnMetric returns what was recorded of kind T directly in s
func OwnMetric[T Metric](s *Summary) (T, bool) {
	return metricOf[T](s.Metrics)
}

func metricOf[T Metric](m map[reflect.Type]Metric) (T, bool) {
	v, ok := m[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}
