package imapserver

import "sync"

// CmdState is a command's position in the scheduler, per spec section 4.5.
type CmdState int

const (
	Unparsed CmdState = iota
	Blocked
	Executing
	Finished
	Retired
)

// Command is one parsed client command, tracked by the Session's scheduler
// from the moment its line (and any literals) are fully read until its
// tagged response has been written. Per the design note in spec section 9,
// the Session owns the backing arena; a Command never outlives its Session.
type Command struct {
	id    int
	tag   string
	name  string
	args  []string
	group int // 0 means "exclusive": never runs alongside any other command.

	mu       sync.Mutex
	state    CmdState
	response []byte
	isError  bool // an error response that must not wait behind a stalled predecessor.

	reservedBy func([]byte) // set by AUTHENTICATE-style commands that want to read continuation lines themselves.
	exec       func(*Command)
}

func (c *Command) setState(s CmdState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Command) getState() CmdState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Command) finish(response []byte, isError bool) {
	c.mu.Lock()
	c.response = response
	c.isError = isError
	c.state = Finished
	c.mu.Unlock()
}

// scheduler runs the per-connection command list described in spec section
// 4.5: same-group commands may execute concurrently; a command whose group
// differs from the currently running one blocks until that group drains;
// responses are emitted in arrival order, except error responses, which
// skip ahead of a still-running predecessor.
type scheduler struct {
	mu      sync.Mutex
	nextID  int
	order   []*Command // arrival order, not yet emitted
	running map[int]bool

	emit func(*Command) // write this command's buffered response to the wire
}

func newScheduler(emit func(*Command)) *scheduler {
	return &scheduler{running: map[int]bool{}, emit: emit}
}

// Submit enqueues a freshly parsed command and returns it. exec is run in
// its own goroutine once the scheduler admits the command.
func (s *scheduler) Submit(name string, tag string, args []string, group int, exec func(*Command)) *Command {
	s.mu.Lock()
	s.nextID++
	cmd := &Command{id: s.nextID, tag: tag, name: name, args: args, group: group, state: Unparsed, exec: exec}
	s.order = append(s.order, cmd)
	s.mu.Unlock()

	s.admit(cmd)
	return cmd
}

// admit starts cmd if the scheduling policy allows it right now, else marks
// it Blocked; complete() is responsible for starting it later.
func (s *scheduler) admit(cmd *Command) {
	s.mu.Lock()
	leadGroup, anyRunning := s.leadingGroup()
	canRun := !anyRunning || (cmd.group > 0 && cmd.group == leadGroup)
	if canRun {
		s.running[cmd.id] = true
		cmd.setState(Executing)
	} else {
		cmd.setState(Blocked)
	}
	s.mu.Unlock()

	if canRun {
		go func() {
			cmd.exec(cmd)
			s.complete(cmd)
		}()
	}
}

// leadingGroup reports the group of the oldest still-active command, and
// whether anything is currently running at all.
func (s *scheduler) leadingGroup() (int, bool) {
	for _, c := range s.order {
		st := c.getState()
		if st == Executing {
			return c.group, true
		}
	}
	return 0, false
}

// complete marks cmd done, emits whatever is now emittable, and tries to
// admit any commands that were Blocked behind it.
func (s *scheduler) complete(cmd *Command) {
	s.mu.Lock()
	delete(s.running, cmd.id)
	s.mu.Unlock()
	s.drain()
	s.retryBlocked()
}

// drain emits Finished commands in arrival order from the head, plus any
// error response anywhere in the queue regardless of position, and admits
// newly-unblocked commands.
func (s *scheduler) drain() {
	s.mu.Lock()
	var toEmit []*Command
	kept := s.order[:0:0]
	headDone := true
	for _, c := range s.order {
		st := c.getState()
		if headDone && st == Finished {
			toEmit = append(toEmit, c)
			continue
		}
		headDone = false
		if st == Finished && c.isError {
			toEmit = append(toEmit, c)
			continue
		}
		kept = append(kept, c)
	}
	s.order = kept
	s.mu.Unlock()

	for _, c := range toEmit {
		c.setState(Retired)
		s.emit(c)
	}
}

// retryBlocked re-admits Blocked commands once the leading group has fully
// drained.
func (s *scheduler) retryBlocked() {
	s.mu.Lock()
	_, anyRunning := s.leadingGroup()
	var candidates []*Command
	if !anyRunning {
		for _, c := range s.order {
			if c.getState() == Blocked {
				candidates = append(candidates, c)
			}
		}
	}
	s.mu.Unlock()
	for _, c := range candidates {
		s.admit(c)
	}
}
