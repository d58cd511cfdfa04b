package membership

import "sync"

// Oracle answers identity-set questions for record routing. Lookups are
// expected to be in-memory and cheap; processors call them synchronously on
// the hot path.
type Oracle interface {
	IsTrackedUser(did string) bool
	TrackedAuthorOf(uri string) (string, bool)
	IsInNetworkUser(did string) bool
}

// SetOracle is an Oracle over explicit sets, constructed once and passed in
// wherever routing happens. Mutation is allowed (study enrollment changes
// between runs) and guarded for concurrent readers.
type SetOracle struct {
	mu           sync.RWMutex
	tracked      map[string]struct{}
	inNetwork    map[string]struct{}
	uriToTracked map[string]string
}

func NewSetOracle() *SetOracle {
	return &SetOracle{
		tracked:      make(map[string]struct{}),
		inNetwork:    make(map[string]struct{}),
		uriToTracked: make(map[string]string),
	}
}

func (o *SetOracle) IsTrackedUser(did string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.tracked[did]
	return ok
}

func (o *SetOracle) TrackedAuthorOf(uri string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	did, ok := o.uriToTracked[uri]
	return did, ok
}

func (o *SetOracle) IsInNetworkUser(did string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.inNetwork[did]
	return ok
}

func (o *SetOracle) AddTracked(dids ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, did := range dids {
		o.tracked[did] = struct{}{}
	}
}

func (o *SetOracle) AddInNetwork(dids ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, did := range dids {
		o.inNetwork[did] = struct{}{}
	}
}

// MapPostToTracked records that uri was authored by a tracked user, so
// later likes and replies referencing it can be reclassified.
func (o *SetOracle) MapPostToTracked(uri, did string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uriToTracked[uri] = did
}

func (o *SetOracle) Counts() (tracked, inNetwork, mappedPosts int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.tracked), len(o.inNetwork), len(o.uriToTracked)
}
