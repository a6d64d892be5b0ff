// Package registry implements the executor manager's single-writer client
// table: the authoritative mapping from a client's front-connection qp_num
// to its allocation and accounting state.
package registry

// ClientRegistry is a mapping from qp_num to Client. All mutation happens on
// a single goroutine (the RDMA poller); this type does not synchronize
// itself and must not be shared across goroutines without external locking.
type ClientRegistry struct {
	clients map[uint32]*Client
}

// New constructs an empty ClientRegistry.
func New() *ClientRegistry {
	return &ClientRegistry{clients: make(map[uint32]*Client)}
}

// Insert adds client under its own qp_num. It overwrites any existing entry
// with the same key; callers are responsible for enforcing the "at most one
// Client per qp_num" invariant at the call site if that matters.
func (r *ClientRegistry) Insert(client *Client) {
	if r == nil || client == nil {
		return
	}
	r.clients[client.QPNum] = client
}

// Get looks up the client for qpNum.
func (r *ClientRegistry) Get(qpNum uint32) (*Client, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.clients[qpNum]
	return c, ok
}

// Delete removes qpNum from the registry, if present.
func (r *ClientRegistry) Delete(qpNum uint32) {
	if r == nil {
		return
	}
	delete(r.clients, qpNum)
}

// Len returns the number of tracked clients.
func (r *ClientRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.clients)
}

// Range calls fn for every client in the registry. fn must not mutate the
// registry; callers that need to remove entries during iteration should
// collect qp_nums and call Delete afterward.
func (r *ClientRegistry) Range(fn func(*Client)) {
	if r == nil {
		return
	}
	for _, c := range r.clients {
		fn(c)
	}
}

// QPNums returns a snapshot of all tracked qp_nums.
func (r *ClientRegistry) QPNums() []uint32 {
	if r == nil {
		return nil
	}
	keys := make([]uint32, 0, len(r.clients))
	for k := range r.clients {
		keys = append(keys, k)
	}
	return keys
}
