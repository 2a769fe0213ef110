package listener

// connSlots caps concurrent downstream clients. Server-list pings and logins
// draw from the same slots; a detached session holds none. A zero cap
// imposes no limit.
type connSlots struct {
	ch chan struct{}
}

func newConnSlots(max int) *connSlots {
	if max <= 0 {
		return &connSlots{}
	}
	return &connSlots{ch: make(chan struct{}, max)}
}

// acquire takes a slot without waiting.
func (s *connSlots) acquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *connSlots) release() {
	if s.ch != nil {
		<-s.ch
	}
}

// limit returns the cap, or 0 when there is none.
func (s *connSlots) limit() int { return cap(s.ch) }
