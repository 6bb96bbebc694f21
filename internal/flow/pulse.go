package flow

import "time"

// Pulse turns a stream of activity beats into start/stop edges. Every beat
// yields an active edge; a quiet period with no beat yields an inactive
// edge. Repeated identical edges are suppressed, so emit sees transitions
// only. Pulse is loop-confined.
type Pulse struct {
	loop    *Loop
	quiet   time.Duration
	emit    func(active bool)
	stop    func()
	last    bool
	seen    bool
	stopped bool
}

// NewPulse returns a Pulse that reports transitions to emit.
func NewPulse(l *Loop, quiet time.Duration, emit func(active bool)) *Pulse {
	return &Pulse{loop: l, quiet: quiet, emit: emit}
}

// Beat records one unit of activity and restarts the quiet timer.
func (p *Pulse) Beat() {
	if p.stopped {
		return
	}
	p.edge(true)
	if p.stop != nil {
		p.stop()
	}
	p.stop = p.loop.AfterFunc(p.quiet, func() {
		p.stop = nil
		p.edge(false)
	})
}

// Stop cancels the quiet timer; no edge is emitted afterwards.
func (p *Pulse) Stop() {
	p.stopped = true
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
}

func (p *Pulse) edge(active bool) {
	if p.seen && p.last == active {
		return
	}
	p.seen = true
	p.last = active
	p.emit(active)
}
