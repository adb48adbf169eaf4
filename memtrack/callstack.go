package memtrack

// threadFrame is one entry of a thread's call stack. below is the
// canonical path of everything underneath this frame, so resolving the
// full path at an allocation costs a single interning lookup.
type threadFrame struct {
	fn    FunctionID
	line  uint16
	below PathID
}

// Thread carries one reporting thread's call stack. A Thread must only
// be driven by the thread whose events it represents: stack operations
// are deliberately unsynchronized, and only the operations that touch
// shared tracker state take the tracker lock.
type Thread struct {
	tracker *Tracker
	id      uint64
	frames  []threadFrame
}

// ID returns the reporting thread id this Thread was created for.
func (th *Thread) ID() uint64 {
	return th.id
}

// StartCall pushes a call frame, interning the function by name.
// parentLine records where the caller paused to make this call; zero
// leaves the caller's line untouched.
func (th *Thread) StartCall(parentLine uint16, module, function string, line uint16) {
	t := th.tracker
	t.mu.Lock()
	fn := t.funcs.intern(module, function)
	th.pushLocked(parentLine, fn, line)
	t.mu.Unlock()
}

// StartCallID is StartCall for a function already registered through
// RegisterFunction. Ids the registry has never issued fold into the
// reserved unknown function and are counted.
func (th *Thread) StartCallID(parentLine uint16, fn FunctionID, line uint16) {
	t := th.tracker
	t.mu.Lock()
	if !t.funcs.valid(fn) {
		t.stats.LostFrames++
		fn = unknownFunction
	}
	th.pushLocked(parentLine, fn, line)
	t.mu.Unlock()
}

func (th *Thread) pushLocked(parentLine uint16, fn FunctionID, line uint16) {
	t := th.tracker
	below := rootPath
	if n := len(th.frames); n > 0 {
		top := &th.frames[n-1]
		if parentLine != 0 {
			top.line = parentLine
		}
		var ok bool
		below, ok = t.tree.child(top.below, Frame{Function: top.fn, Line: top.line})
		if !ok {
			t.stats.LostFrames++
		}
	}
	th.frames = append(th.frames, threadFrame{fn: fn, line: line, below: below})
}

// FinishCall pops the current frame. Popping an empty stack is
// ignored: the engine can attach mid-run, after calls it never saw
// begin.
func (th *Thread) FinishCall() {
	if n := len(th.frames); n > 0 {
		th.frames = th.frames[:n-1]
	}
}

// SetLineNumber updates the line currently executing in the topmost
// frame. Lines of deeper frames are frozen at the value they had when
// the call above them started.
func (th *Thread) SetLineNumber(line uint16) {
	if n := len(th.frames); n > 0 {
		th.frames[n-1].line = line
	}
}

// pathLocked interns the path for the thread's current stack, updating
// the top frame's line first when the event carries one.
func (th *Thread) pathLocked(line uint16) PathID {
	t := th.tracker
	n := len(th.frames)
	if n == 0 {
		return rootPath
	}
	top := &th.frames[n-1]
	if line != 0 {
		top.line = line
	}
	id, ok := t.tree.child(top.below, Frame{Function: top.fn, Line: top.line})
	if !ok {
		t.stats.LostFrames++
	}
	return id
}

// Callstack is a detached copy of a thread's stack, used to seed the
// stack of a newly spawned thread.
type Callstack struct {
	frames []Frame
}

// Depth returns the number of captured frames.
func (cs Callstack) Depth() int {
	return len(cs.frames)
}

// CaptureCallstack copies the thread's current stack.
func (th *Thread) CaptureCallstack() Callstack {
	cs := Callstack{frames: make([]Frame, len(th.frames))}
	for i, f := range th.frames {
		cs.frames[i] = Frame{Function: f.fn, Line: f.line}
	}
	return cs
}

// SetCallstack replaces the thread's stack with a captured one,
// re-deriving the canonical path prefix of every frame.
func (th *Thread) SetCallstack(cs Callstack) {
	t := th.tracker
	t.mu.Lock()
	th.frames = th.frames[:0]
	below := rootPath
	for i, f := range cs.frames {
		if !t.funcs.valid(f.Function) {
			t.stats.LostFrames++
			f.Function = unknownFunction
		}
		th.frames = append(th.frames, threadFrame{fn: f.Function, line: f.Line, below: below})
		if i == len(cs.frames)-1 {
			break
		}
		next, ok := t.tree.child(below, f)
		if !ok {
			t.stats.LostFrames++
		}
		below = next
	}
	t.mu.Unlock()
}

// ClearCallstack empties the stack, for threads that outlive the call
// context they were spawned from.
func (th *Thread) ClearCallstack() {
	th.frames = th.frames[:0]
}
