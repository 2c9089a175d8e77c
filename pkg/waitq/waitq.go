// Package waitq holds deferred continuations waiting for an event.
package waitq

// Continuation is invoked at most once, when the condition it waits for holds.
type Continuation func()

// Queue is an ordered list of continuations. It is not safe for concurrent
// use; it is owned by the event loop of whoever fires it.
type Queue struct {
	items []Continuation
}

func (q *Queue) Add(c Continuation) {
	q.items = append(q.items, c)
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Finish detaches every queued continuation and invokes them in
// registration order. Continuations registered meanwhile stay queued for the
// next Finish.
func (q *Queue) Finish() {
	items := q.items
	q.items = nil
	for _, c := range items {
		c()
	}
}

// Clear drops every queued continuation without invoking it.
func (q *Queue) Clear() {
	q.items = nil
}
