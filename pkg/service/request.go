package service

import (
	"sync"

	"replsvc/pkg/types"

	"github.com/google/uuid"
)

type ReplyStatus string

const (
	StatusSuccess  ReplyStatus = "success"
	StatusNotFound ReplyStatus = "not_found"
	StatusError    ReplyStatus = "error"
)

// Reply is what a request eventually resolves to.
type Reply struct {
	Status  ReplyStatus   `json:"status"`
	Value   string        `json:"value,omitempty"`
	Values  []string      `json:"values,omitempty"`
	Version types.Version `json:"version,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func OK(v types.Version) Reply {
	return Reply{Status: StatusSuccess, Version: v}
}

func ValueReply(value string, v types.Version) Reply {
	return Reply{Status: StatusSuccess, Value: value, Version: v}
}

func NotFound(v types.Version) Reply {
	return Reply{Status: StatusNotFound, Version: v}
}

func ErrorReply(err error) Reply {
	return Reply{Status: StatusError, Error: err.Error()}
}

// Request is a client request routed to one service. It is re-dispatched
// verbatim whenever it has to wait.
type Request struct {
	ID      uuid.UUID         `json:"id"`
	Service string            `json:"service"`
	Op      string            `json:"op"`
	Args    map[string]string `json:"args,omitempty"`
	// Version is the newest version the caller has already seen.
	Version types.Version `json:"version,omitempty"`
	Source  string        `json:"source,omitempty"`
	Hops    int           `json:"hops,omitempty"`

	once    sync.Once
	replyFn func(Reply)
}

func NewRequest(service, op string, args map[string]string) *Request {
	if args == nil {
		args = make(map[string]string)
	}
	return &Request{
		ID:      uuid.New(),
		Service: service,
		Op:      op,
		Args:    args,
	}
}

func (r *Request) Arg(name string) string {
	return r.Args[name]
}

// OnReply sets the callback receiving the reply. It must be set before the
// request is dispatched.
func (r *Request) OnReply(fn func(Reply)) *Request {
	r.replyFn = fn
	return r
}

// Reply resolves the request. Only the first call has an effect.
func (r *Request) Reply(rep Reply) {
	r.once.Do(func() {
		if r.replyFn != nil {
			r.replyFn(rep)
		}
	})
}

func (r *Request) Fail(err error) {
	r.Reply(ErrorReply(err))
}
