package engine

import "context"

// connStack is the per-logical-task stack of reusable connection handles.
// It is carried on a context.Context and mutated in place by acquire and
// release, so it must never be shared between concurrently running tasks:
// goroutines spawned inside a bound context take a snapshot via ForkContext.
type connStack struct {
	handles []*Conn
}

func (s *connStack) top() *Conn {
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

func (s *connStack) push(c *Conn) {
	s.handles = append(s.handles, c)
}

// remove takes c off the stack by identity, searching from the top so the
// common LIFO release is O(1). Out-of-order removal is permitted; any
// handles still reusing c become invalid on their next use.
func (s *connStack) remove(c *Conn) bool {
	for i := len(s.handles) - 1; i >= 0; i-- {
		if s.handles[i] == c {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			return true
		}
	}
	return false
}

// stackKey scopes the context stack to one engine, so independent engines
// bound to the same context do not see each other's connections.
type stackKey struct{ engine *Engine }

// BindContext installs a fresh, empty connection stack for the calling
// logical task. Reuse discovery (Acquire with Reuse, Engine facade methods,
// CurrentConn) works within call chains that carry the returned context.
func (e *Engine) BindContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, stackKey{e}, &connStack{})
}

// ForkContext returns a context whose stack is a snapshot of the current
// one. Goroutines spawned from a bound task must use the forked context:
// they observe the connections their ancestor had acquired at spawn time,
// while later pushes and pops on either side stay invisible to the other.
func (e *Engine) ForkContext(ctx context.Context) context.Context {
	parent := e.stackFrom(ctx)
	child := &connStack{}
	if parent != nil {
		child.handles = append(child.handles, parent.handles...)
	}
	return context.WithValue(ctx, stackKey{e}, child)
}

func (e *Engine) stackFrom(ctx context.Context) *connStack {
	s, _ := ctx.Value(stackKey{e}).(*connStack)
	return s
}
