package panerpc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ContextMap is the per-connection bijection between short context ids and
// session ids. ctx_0 is reserved for the leader session when the connection
// declares one; allocated ids are ctx_1, ctx_2, ... in strictly increasing
// order and are never reused within a connection, which is the namespace
// that keeps deterministic child ids unique.
type ContextMap struct {
	mu        sync.Mutex
	byCtx     map[string]string
	bySession map[string]string
	next      uint64
}

func NewContextMap() *ContextMap {
	return &ContextMap{
		byCtx:     make(map[string]string),
		bySession: make(map[string]string),
	}
}

func ctxID(index uint64) string {
	return fmt.Sprintf("ctx_%d", index)
}

// RegisterLeader binds ctx_0 to the leader session and starts allocation at
// ctx_1. Without a leader, ctx_0 is never assigned.
func (c *ContextMap) RegisterLeader(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCtx[ctxID(0)] = sessionID
	c.bySession[sessionID] = ctxID(0)
	if c.next == 0 {
		c.next = 1
	}
}

// NextIndex reports the index the next Allocate call will use, letting the
// caller derive the child session id before the session exists.
func (c *ContextMap) NextIndex() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == 0 {
		return 1
	}
	return c.next
}

// Allocate binds the next context id to sessionID in both directions.
func (c *ContextMap) Allocate(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == 0 {
		c.next = 1
	}
	id := ctxID(c.next)
	c.next++
	c.byCtx[id] = sessionID
	c.bySession[sessionID] = id
	return id
}

// Resolve maps a context id to its session id.
func (c *ContextMap) Resolve(contextID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, ok := c.byCtx[contextID]
	return sessionID, ok
}

// ResolveSession maps a session id back to its context id.
func (c *ContextMap) ResolveSession(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contextID, ok := c.bySession[sessionID]
	return contextID, ok
}

// Remove deletes both directions of the mapping atomically. Removing an
// unknown context id reports false.
func (c *ContextMap) Remove(contextID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, ok := c.byCtx[contextID]
	if !ok {
		return false
	}
	delete(c.byCtx, contextID)
	delete(c.bySession, sessionID)
	return true
}

// List returns all mapped context ids sorted by index.
func (c *ContextMap) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.byCtx))
	for id := range c.byCtx {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ctxIndex(ids[i]) < ctxIndex(ids[j]) })
	return ids
}

func ctxIndex(id string) uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(id, "ctx_"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
