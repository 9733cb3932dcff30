package brighter

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// HandlerFunc processes a typed request and reports its routing outcome.
// An error return means the attempt failed; whether it is retried is decided
// by the consumer state machine, not the handler.
type HandlerFunc[T Request] func(ctx context.Context, req T) (Result, error)

// MessageMapper rebuilds a domain request from a wire-level message.
// Mapping failures are treated as poison messages by the consumer.
type MessageMapper func(msg *Message) (Request, error)

type registeredHandler struct {
	name   string
	handle func(ctx context.Context, req Request) (Result, error)
}

// Registry holds handler and message-mapper registrations.
// It is an explicit object passed into the command processor and dispatcher
// rather than an ambient singleton, so several independent processors can
// coexist in one process.
type Registry struct {
	mu       sync.RWMutex
	kinds    map[reflect.Type]RequestKind
	handlers map[reflect.Type][]registeredHandler
	mappers  map[string]MessageMapper
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:    make(map[reflect.Type]RequestKind),
		handlers: make(map[reflect.Type][]registeredHandler),
		mappers:  make(map[string]MessageMapper),
	}
}

// RegisterCommandHandler registers the handler for command type T.
// Registering more than one handler for the same command type is not
// rejected here; Send fails with ErrDuplicateHandlerFound when it finds
// more than one eligible handler.
func RegisterCommandHandler[T Request](r *Registry, name string, handle HandlerFunc[T]) {
	register(r, KindCommand, name, handle)
}

// RegisterEventHandler registers an additional handler for event type T.
func RegisterEventHandler[T Request](r *Registry, name string, handle HandlerFunc[T]) {
	register(r, KindEvent, name, handle)
}

func register[T Request](r *Registry, kind RequestKind, name string, handle HandlerFunc[T]) {
	var zero T
	t := reflect.TypeOf(zero)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.kinds[t]; ok && existing != kind {
		panic(fmt.Sprintf("brighter: type %v already registered as %s", t, existing))
	}
	r.kinds[t] = kind
	r.handlers[t] = append(r.handlers[t], registeredHandler{
		name: name,
		handle: func(ctx context.Context, req Request) (Result, error) {
			typed, ok := req.(T)
			if !ok {
				return Result{}, fmt.Errorf("handler %s: unexpected request type %T", name, req)
			}
			return handle(ctx, typed)
		},
	})
}

// RegisterMessageMapper registers the mapper for messages received on the
// given topic. The consumer uses it to turn wire messages into requests
// before dispatch.
func (r *Registry) RegisterMessageMapper(topic string, mapper MessageMapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[topic] = mapper
}

// Mapper resolves the message mapper for a topic.
func (r *Registry) Mapper(topic string) (MessageMapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[topic]
	return m, ok
}

func (r *Registry) resolve(req Request) (RequestKind, []registeredHandler) {
	t := reflect.TypeOf(req)

	r.mu.RLock()
	defer r.mu.RUnlock()

	kind := r.kinds[t]
	handlers := r.handlers[t]
	return kind, handlers
}
