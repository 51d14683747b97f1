package relevo

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Client is an open application tab. It asks waiting workers to skip
// waiting and reloads once when a new worker takes control.
type Client struct {
	id     string
	reload func()

	mu         sync.Mutex
	reg        *Registration
	controller *Worker
	refreshing bool
	reloads    int
}

func NewClient(reload func()) *Client {
	return &Client{id: uuid.NewString(), reload: reload}
}

func (c *Client) ID() string { return c.id }

// Attach joins the registration's scope. The tab starts controlled by the
// current active worker, if any, without a controller change.
func (c *Client) Attach(ctx context.Context, reg *Registration) {
	active := reg.addClient(c)
	c.mu.Lock()
	c.reg = reg
	if c.controller == nil {
		c.controller = active
	}
	c.mu.Unlock()

	if w := reg.Waiting(); w != nil {
		c.PostMessage(ctx, w, skipWaitingMessage)
	}
}

func (c *Client) Detach() {
	c.mu.Lock()
	reg := c.reg
	c.reg = nil
	c.mu.Unlock()
	if reg != nil {
		reg.removeClient(c)
	}
}

func (c *Client) PostMessage(ctx context.Context, w *Worker, data any) {
	if w == nil {
		return
	}
	w.Dispatch(ctx, MessageEvent{Data: data})
}

func (c *Client) Controller() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *Client) Reloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloads
}

func (c *Client) workerInstalled(ctx context.Context, w *Worker) {
	if w.State() == StateWaiting {
		c.PostMessage(ctx, w, skipWaitingMessage)
	}
}

func (c *Client) setController(w *Worker) {
	c.mu.Lock()
	if c.controller == w {
		c.mu.Unlock()
		return
	}
	c.controller = w
	c.mu.Unlock()
	c.ControllerChanged()
}

// ControllerChanged handles a controller change event. Only the first one
// reloads; the flag is never reset for the lifetime of the tab.
func (c *Client) ControllerChanged() {
	c.mu.Lock()
	if c.refreshing {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.reloads++
	c.mu.Unlock()
	if c.reload != nil {
		c.reload()
	}
}
