package app

import "sync"

// pinSet tracks artifacts held open by restores. An artifact released while
// pinned is removed by its last holder instead.
type pinSet struct {
	mu     sync.Mutex
	refs   map[string]int
	doomed map[string]bool
}

func newPinSet() *pinSet {
	return &pinSet{refs: make(map[string]int), doomed: make(map[string]bool)}
}

func (p *pinSet) pin(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[path]++
}

// unpin drops one hold and reports whether the caller must now remove the artifact.
func (p *pinSet) unpin(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[path]--
	if p.refs[path] > 0 {
		return false
	}
	delete(p.refs, path)
	if p.doomed[path] {
		delete(p.doomed, path)
		return true
	}
	return false
}

// claim reports whether path may be removed now. A pinned path is marked for
// removal on its last unpin.
func (p *pinSet) claim(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[path] > 0 {
		p.doomed[path] = true
		return false
	}
	return true
}
