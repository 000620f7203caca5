package linking

import "sync"

// pendingLogin is the protocol side of an attempt that is not authorized yet.
// It lives in memory only; an attempt whose pending login is gone (restart)
// can no longer be confirmed and expires on the next poll.
// Entries leave together with their attempt (authorize, expire, fail, reset).
type pendingLogin struct {
	userID  string
	token   string
	session []byte
}

type pendingLogins struct {
	mu    sync.Mutex
	byRef map[string]pendingLogin
}

func newPendingLogins() *pendingLogins {
	return &pendingLogins{byRef: make(map[string]pendingLogin)}
}

func (p *pendingLogins) get(ref string) (pendingLogin, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.byRef[ref]
	return pl, ok
}

func (p *pendingLogins) put(ref string, pl pendingLogin) {
	p.mu.Lock()
	p.byRef[ref] = pl
	p.mu.Unlock()
}

func (p *pendingLogins) drop(ref string) {
	p.mu.Lock()
	delete(p.byRef, ref)
	p.mu.Unlock()
}

// dropUser removes every pending login of userID.
func (p *pendingLogins) dropUser(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for ref, pl := range p.byRef {
		if pl.userID == userID {
			delete(p.byRef, ref)
			n++
		}
	}
	return n
}

func (p *pendingLogins) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byRef)
}
