package npurt

import (
	"sort"
	"sync"

	"code.hybscloud.com/atomix"
)

// Context groups streams that share a failure domain. Once aborted, every
// stream in the context fails fast with the latched error.
type Context struct {
	dev *Device
	id  uint64

	aborted atomix.Bool
	mu      sync.Mutex
	err     *Error
	streams map[int]*Stream
}

// NewContext creates a context on the device
func (d *Device) NewContext() *Context {
	return &Context{
		dev:     d,
		id:      d.nextCtx.AddAcqRel(1),
		streams: make(map[int]*Stream),
	}
}

// ID returns the context identifier, unique per device
func (c *Context) ID() uint64 {
	return c.id
}

// Device returns the owning device
func (c *Context) Device() *Device {
	return c.dev
}

// Abort latches err as the context failure. Only the first abort is kept;
// it reports whether this call latched.
func (c *Context) Abort(cause error) bool {
	if c.aborted.LoadAcquire() {
		return false
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return false
	}
	e := NewDeviceError("ABORT", c.dev.id, ErrCodeContextAborted, "context aborted")
	if cause != nil {
		e.Msg = "context aborted: " + cause.Error()
		e.Inner = cause
	}
	c.err = e
	c.aborted.StoreRelease(true)
	c.mu.Unlock()

	c.dev.observer.ObserveAbort()
	c.dev.log.WithError(cause).Error("context aborted", "context", c.id)
	return true
}

// Aborted reports whether an abort has been latched
func (c *Context) Aborted() bool {
	return c.aborted.LoadAcquire()
}

// Err returns the latched abort error, or nil
func (c *Context) Err() error {
	if !c.aborted.LoadAcquire() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Streams returns the live streams of the context ordered by id
func (c *Context) Streams() []*Stream {
	c.mu.Lock()
	out := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Context) add(s *Stream) {
	c.mu.Lock()
	c.streams[s.id] = s
	c.mu.Unlock()
}

func (c *Context) remove(s *Stream) {
	c.mu.Lock()
	delete(c.streams, s.id)
	c.mu.Unlock()
}
