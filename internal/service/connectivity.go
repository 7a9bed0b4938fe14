package service

import "sync"

// Connectivity tracks whether the remote store is reachable and fans changes
// out to watchers. Watchers only ever see the latest state.
type Connectivity struct {
	mu       sync.Mutex
	online   bool
	watchers []chan bool
}

func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online}
}

// Set records the new state and notifies watchers when it changed.
func (c *Connectivity) Set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Watch returns a channel that receives every state change.
func (c *Connectivity) Watch() <-chan bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan bool, 1)
	c.watchers = append(c.watchers, ch)
	return ch
}
