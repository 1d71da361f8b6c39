package kelpie

import "github.com/kelpieio/kelpie/pkg/kv"

// Context carries around data/structs needed for operations
type Context struct {
	kv   kv.KV
	sink NotificationSink
}

// NewContext creates a Context from a kv store and a notification sink. A
// nil sink disables notifications.
func NewContext(store kv.KV, sink NotificationSink) *Context {
	return &Context{
		kv:   store,
		sink: sink,
	}
}

// notify emits a status-change event. Fire-and-forget: delivery failures are
// the sink's problem and sinks must not block.
func (c *Context) notify(e Event) {
	if c.sink == nil {
		return
	}
	c.sink.Notify(e)
}
