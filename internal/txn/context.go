package txn

// Context is the stack of transaction records for one goroutine. It starts
// empty and must not be shared with, or copied to, another goroutine. A
// suspended record is removed from the stack and held by the suspending call
// until it is pushed back.
type Context struct {
	stack []*Record
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{}
}

// Current returns the record calls on this goroutine would join, or nil.
func (c *Context) Current() *Record {
	if len(c.stack) == 0 {
		return nil
	}
	top := c.stack[len(c.stack)-1]
	if top.status.Terminal() {
		return nil
	}
	return top
}

// Depth returns the number of records on the stack.
func (c *Context) Depth() int { return len(c.stack) }

// Empty reports whether no record is on the stack.
func (c *Context) Empty() bool { return len(c.stack) == 0 }

// Reset drops every record and returns how many were dropped. Workers call it
// before reuse so no state leaks into the next unit of work.
func (c *Context) Reset() int {
	n := len(c.stack)
	clear(c.stack)
	c.stack = c.stack[:0]
	return n
}

func (c *Context) push(r *Record) {
	c.stack = append(c.stack, r)
}

// popTo removes r and anything stacked above it.
func (c *Context) popTo(r *Record) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == r {
			clear(c.stack[i:])
			c.stack = c.stack[:i]
			return
		}
	}
}

// suspend detaches the top record and transfers it to the caller.
func (c *Context) suspend() *Record {
	n := len(c.stack)
	if n == 0 {
		return nil
	}
	r := c.stack[n-1]
	c.stack[n-1] = nil
	c.stack = c.stack[:n-1]
	return r
}

// resume pushes a record detached by suspend back onto the stack.
func (c *Context) resume(r *Record) {
	if r != nil {
		c.push(r)
	}
}
