package lock

import (
	"sort"
	"sync"

	"github.com/vadiminshakov/txcoord/core/dto"
)

// WaitForGraph records which transactions failed to get a lock because of
// which holders. An edge waiter -> holder lives until the waiter gets a lock
// or either transaction is released.
type WaitForGraph struct {
	mu    sync.RWMutex
	edges map[dto.TransactionID]map[dto.TransactionID]struct{}
}

func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{edges: make(map[dto.TransactionID]map[dto.TransactionID]struct{})}
}

// AddEdges records that waiter is blocked by holders.
func (g *WaitForGraph) AddEdges(waiter dto.TransactionID, holders ...dto.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, h := range holders {
		if h == waiter {
			continue
		}
		if g.edges[waiter] == nil {
			g.edges[waiter] = make(map[dto.TransactionID]struct{})
		}
		g.edges[waiter][h] = struct{}{}
	}
}

// ClearWaiter drops every outgoing edge of waiter.
func (g *WaitForGraph) ClearWaiter(waiter dto.TransactionID) {
	g.mu.Lock()
	delete(g.edges, waiter)
	g.mu.Unlock()
}

// RemoveTransaction drops tx and every edge pointing at it.
func (g *WaitForGraph) RemoveTransaction(tx dto.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, tx)
	for waiter, holders := range g.edges {
		delete(holders, tx)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// Deadlocked returns, in lexical order, every transaction on a cycle.
func (g *WaitForGraph) Deadlocked() []dto.TransactionID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t := tarjan{
		graph:   g.edges,
		index:   make(map[dto.TransactionID]int),
		lowlink: make(map[dto.TransactionID]int),
		onStack: make(map[dto.TransactionID]bool),
	}

	nodes := make([]dto.TransactionID, 0, len(g.edges))
	for n := range g.edges {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	for _, n := range nodes {
		if _, seen := t.index[n]; !seen {
			t.visit(n)
		}
	}

	sort.Slice(t.cyclic, func(i, j int) bool { return t.cyclic[i] < t.cyclic[j] })
	return t.cyclic
}

// tarjan finds strongly connected components; every component with more
// than one member is a circular wait.
type tarjan struct {
	graph   map[dto.TransactionID]map[dto.TransactionID]struct{}
	counter int
	index   map[dto.TransactionID]int
	lowlink map[dto.TransactionID]int
	onStack map[dto.TransactionID]bool
	stack   []dto.TransactionID
	cyclic  []dto.TransactionID
}

func (t *tarjan) visit(v dto.TransactionID) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for w := range t.graph[v] {
		if _, seen := t.index[w]; !seen {
			t.visit(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}

	var component []dto.TransactionID
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		component = append(component, w)
		if w == v {
			break
		}
	}
	if len(component) > 1 {
		t.cyclic = append(t.cyclic, component...)
	}
}
