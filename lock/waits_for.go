package lock

import (
	"mit.edu/dsg/godb/common"
)

// WaitsForGraph records, for every blocked transaction, the single page it is waiting on. Together with
// the lock table's page -> holders mapping it forms the bipartite waits-for graph used for deadlock
// detection: a transaction points at the page it wants, and a page points at the transactions holding it.
//
// WaitsForGraph is not synchronized; the LockManager only touches it under its own latch.
type WaitsForGraph struct {
	waiting map[common.TransactionID]common.PageID
}

// NewWaitsForGraph returns an empty graph.
func NewWaitsForGraph() *WaitsForGraph {
	return &WaitsForGraph{
		waiting: make(map[common.TransactionID]common.PageID),
	}
}

// Wait records that tid is blocked on pid. A transaction waits on at most one page at a time, so this
// overwrites any previous edge.
func (g *WaitsForGraph) Wait(tid common.TransactionID, pid common.PageID) {
	g.waiting[tid] = pid
}

// Clear removes tid's outgoing edge, if any.
func (g *WaitsForGraph) Clear(tid common.TransactionID) {
	delete(g.waiting, tid)
}

// WaitingOn returns the page tid is blocked on.
func (g *WaitsForGraph) WaitingOn(tid common.TransactionID) (common.PageID, bool) {
	pid, ok := g.waiting[tid]
	return pid, ok
}

// NumWaiting returns the number of blocked transactions.
func (g *WaitsForGraph) NumWaiting() int {
	return len(g.waiting)
}

// FindCycle runs a breadth-first search from target, expanding a page to the transactions currently
// holding it and a transaction to the page it waits on. It returns true if the search reaches requester
// at depth >= 1, meaning that granting requester a wait on target would close a cycle.
//
// At depth 0 the requester may legitimately appear among target's holders (it holds a shared lock and
// wants to upgrade), so that hit is ignored. Pages are expanded at most once past depth 0, and the
// traversal never goes deeper than maxDepth levels, so the search terminates even if the graph is
// malformed.
func (g *WaitsForGraph) FindCycle(requester common.TransactionID, target common.PageID,
	holders func(common.PageID) []common.TransactionID, maxDepth int) bool {
	frontier := []common.PageID{target}
	visited := make(map[common.PageID]struct{})

	for depth := 0; len(frontier) > 0 && depth <= maxDepth; depth++ {
		var next []common.PageID
		for _, pid := range frontier {
			for _, holder := range holders(pid) {
				if holder == requester {
					if depth == 0 {
						continue
					}
					return true
				}
				waitPid, ok := g.waiting[holder]
				if !ok {
					continue
				}
				if _, seen := visited[waitPid]; seen {
					continue
				}
				visited[waitPid] = struct{}{}
				next = append(next, waitPid)
			}
		}
		frontier = next
	}
	return false
}
