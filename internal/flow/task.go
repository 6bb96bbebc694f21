package flow

// Task starts one unit of asynchronous work. It calls complete, on the
// loop, when the work has finished, and returns a cancel function that
// abandons interest in the outcome. Cancelling never calls complete.
type Task func(complete func()) (cancel func())

// Await adapts a callback-style single reply into a Task. start issues the
// underlying call and arranges for deliver to be called with its reply from
// any goroutine; fn then runs on the loop. Cancelling the task suppresses fn
// but does not retract the call already issued.
func Await[T any](l *Loop, start func(deliver func(T)), fn func(T)) Task {
	return func(complete func()) func() {
		active := true
		start(func(v T) {
			l.Post(func() {
				if !active {
					return
				}
				active = false
				fn(v)
				complete()
			})
		})
		return func() { active = false }
	}
}

// Switch runs at most one task at a time with latest-wins semantics: starting
// a task cancels the one still pending. The zero value is ready to use.
type Switch struct {
	cancel  func()
	gen     uint64
	stopped bool
}

// Start cancels the pending task, if any, and starts t.
func (s *Switch) Start(t Task) {
	if s.stopped {
		return
	}
	s.abandon()
	s.gen++
	gen := s.gen

	finished := false
	cancel := t(func() {
		finished = true
		if s.gen == gen {
			s.cancel = nil
		}
	})
	if !finished && s.gen == gen {
		s.cancel = cancel
	}
}

// Pending reports whether a started task has neither completed nor been
// cancelled.
func (s *Switch) Pending() bool {
	return s.cancel != nil
}

// Stop cancels the pending task and ignores every later Start.
func (s *Switch) Stop() {
	s.stopped = true
	s.abandon()
}

func (s *Switch) abandon() {
	if s.cancel != nil {
		cancel := s.cancel
		s.cancel = nil
		cancel()
	}
}

// Serial runs tasks one at a time in the order they were pushed; a task
// starts only after the previous one completed. A task that never completes
// stalls the queue behind it. The zero value is ready to use.
type Serial struct {
	queue   []Task
	running bool
	cancel  func()
	paused  bool
	stopped bool
}

// Push queues t and starts it if nothing is running.
func (s *Serial) Push(t Task) {
	if s.stopped {
		return
	}
	s.queue = append(s.queue, t)
	s.next()
}

// Pause holds queued tasks back; the running task, if any, is unaffected.
func (s *Serial) Pause() {
	s.paused = true
}

// Resume lets queued tasks run again.
func (s *Serial) Resume() {
	s.paused = false
	s.next()
}

// Len returns the number of tasks waiting behind the running one.
func (s *Serial) Len() int {
	return len(s.queue)
}

// Stop cancels the running task, drops the queue and ignores later pushes.
func (s *Serial) Stop() {
	s.stopped = true
	s.queue = nil
	if s.cancel != nil {
		cancel := s.cancel
		s.cancel = nil
		cancel()
	}
}

func (s *Serial) next() {
	if s.running || s.paused || s.stopped || len(s.queue) == 0 {
		return
	}
	t := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.running = true

	finished := false
	cancel := t(func() {
		if finished || s.stopped {
			return
		}
		finished = true
		s.running = false
		s.cancel = nil
		s.next()
	})
	if !finished {
		s.cancel = cancel
	}
}
