package client

import (
	"sync"

	"frak-rpc/message"
)

// channel is the pending callback of one request or subscription.
type channel struct {
	persistent bool                         // Listen channels survive success responses
	deliver    func(resp *message.Response) // Called without any lock held
}

// channels maps request ids to their pending callbacks.
type channels struct {
	mu sync.Mutex
	m  map[string]*channel
}

func newChannels() *channels {
	return &channels{m: make(map[string]*channel)}
}

func (c *channels) add(id string, ch *channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = ch
}

// remove deletes id and reports whether it was still registered.
func (c *channels) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[id]
	delete(c.m, id)
	return ok
}

// settle looks id up for delivery of a response. One-shot channels, and
// persistent ones receiving an error, are removed in the same critical section,
// so a duplicate response never finds them again.
func (c *channels) settle(id string, isError bool) (*channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.m[id]
	if !ok {
		return nil, false
	}
	if !ch.persistent || isError {
		delete(c.m, id)
	}
	return ch, true
}

func (c *channels) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]*channel)
}

func (c *channels) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
