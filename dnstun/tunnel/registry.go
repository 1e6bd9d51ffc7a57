package tunnel

import (
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// maxWaitingQueries bounds how many upstream replies we wait for at once.
	maxWaitingQueries = 1024
	// queryTTL is how long a forwarded query may wait for its reply.
	queryTTL = 10 * time.Second
)

// upstreamSocket is one protected UDP socket owned by a pending query.
type upstreamSocket interface {
	Fd() int
	Receive(p []byte) (int, error)
	Close() error
}

// pendingQuery tracks one DNS request that was forwarded upstream and is
// waiting for the reply. It owns its socket until the registry hands the entry
// back or evicts it.
type pendingQuery struct {
	socket  upstreamSocket
	request any
	created time.Time
}

func (q *pendingQuery) age() time.Duration {
	return time.Since(q.created)
}

// queryRegistry is the insertion-ordered collection of pending queries,
// bounded in both size and entry age. Oldest entries are evicted first;
// eviction closes the owned socket and is a silent policy outcome, not an
// error.
type queryRegistry struct {
	queries []*pendingQuery
}

// add appends q after making room: one eviction if the registry is over
// capacity, then a sweep of every entry older than queryTTL. The two phases
// are deliberately separate so that the over-capacity victim is always the
// single oldest entry, even when it is also expired.
func (r *queryRegistry) add(q *pendingQuery) {
	if len(r.queries) >= maxWaitingQueries {
		log.Debugf("dropping upstream socket fd %d due to space constraints", r.queries[0].socket.Fd())
		r.evictOldest()
	}
	for len(r.queries) > 0 && r.queries[0].age() >= queryTTL {
		log.Debugf("timeout on upstream socket fd %d", r.queries[0].socket.Fd())
		r.evictOldest()
	}
	r.queries = append(r.queries, q)
}

func (r *queryRegistry) evictOldest() {
	q := r.queries[0]
	if err := q.socket.Close(); err != nil {
		log.Warnf("could not close evicted upstream socket: %v", err)
	}
	r.queries[0] = nil
	r.queries = r.queries[1:]
}

func (r *queryRegistry) size() int {
	return len(r.queries)
}

// fds returns the socket descriptors of all pending queries in insertion
// order, for building the poll set.
func (r *queryRegistry) fds() []int {
	fds := make([]int, len(r.queries))
	for i, q := range r.queries {
		fds[i] = q.socket.Fd()
	}
	return fds
}

// takeReady removes and returns the entries whose position in the last fds()
// snapshot is marked ready. It must run before any device I/O of the same
// tick: a device read can insert new entries and desynchronize the indices
// computed for this poll pass.
func (r *queryRegistry) takeReady(ready func(i int) bool) []*pendingQuery {
	var taken []*pendingQuery
	remaining := r.queries[:0]
	for i, q := range r.queries {
		if ready(i) {
			taken = append(taken, q)
		} else {
			remaining = append(remaining, q)
		}
	}
	for i := len(remaining); i < len(r.queries); i++ {
		r.queries[i] = nil
	}
	r.queries = remaining
	return taken
}
