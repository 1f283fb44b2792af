package group

// recent remembers the clocks of the last committed packet ids, so a packet
// retransmitted after a reconnect is confirmed instead of applied twice.
type recent struct {
	size   int
	clocks map[string]int64
	ring   []string
	next   int
}

func newRecent(size int) *recent {
	return &recent{size: size, clocks: make(map[string]int64, size)}
}

func (r *recent) lookup(id string) (int64, bool) {
	clock, ok := r.clocks[id]
	return clock, ok
}

func (r *recent) add(id string, clock int64) {
	if r.size <= 0 || id == "" {
		return
	}
	if _, ok := r.clocks[id]; ok {
		return
	}
	if len(r.ring) < r.size {
		r.ring = append(r.ring, id)
	} else {
		delete(r.clocks, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % r.size
	}
	r.clocks[id] = clock
}
