package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/internal/model"
	"github.com/google/uuid"
)

// OutboxRequest is a side effect a handler asks the runtime to record
type OutboxRequest struct {
	EffectType string
	Payload    json.RawMessage
}

// HandlerOutput is what a handler returns. Nil Fields keeps the current fields.
type HandlerOutput struct {
	Fields json.RawMessage
	Outbox []OutboxRequest
}

// HandlerShape names the handler variants
type HandlerShape int

const (
	ShapeState HandlerShape = iota
	ShapeEnvelope
	ShapeContext
)

// Handler is the closed set of command handler shapes. Only StateHandler,
// EnvelopeHandler and ContextHandler implement it; the unexported method
// keeps other packages from adding shapes invokeHandler cannot run.
type Handler interface {
	Shape() HandlerShape
	commandHandler()
}

// StateHandler sees the current state and the raw payload
type StateHandler func(state model.PersistState, payload json.RawMessage) (HandlerOutput, error)

// EnvelopeHandler sees the current state and the full envelope
type EnvelopeHandler func(state model.PersistState, env model.CommandEnvelope) (HandlerOutput, error)

// ContextHandler sees an ExecutionContext with deterministic helpers
type ContextHandler func(ec *ExecutionContext) (HandlerOutput, error)

func (StateHandler) Shape() HandlerShape    { return ShapeState }
func (EnvelopeHandler) Shape() HandlerShape { return ShapeEnvelope }
func (ContextHandler) Shape() HandlerShape  { return ShapeContext }

func (StateHandler) commandHandler()    {}
func (EnvelopeHandler) commandHandler() {}
func (ContextHandler) commandHandler()  {}

// invokeHandler is the single dispatch path for every handler shape
func invokeHandler(h Handler, ec *ExecutionContext) (HandlerOutput, error) {
	switch fn := h.(type) {
	case StateHandler:
		return fn(ec.State, ec.Envelope.Payload)
	case EnvelopeHandler:
		return fn(ec.State, ec.Envelope)
	case ContextHandler:
		return fn(ec)
	default:
		return HandlerOutput{}, fmt.Errorf("unsupported handler type %T", h)
	}
}

// ExecutionContext is passed to ContextHandlers. Handlers that must behave
// identically on every replica take time and ids from here, never from the
// wall clock or a random source.
type ExecutionContext struct {
	Envelope model.CommandEnvelope
	State    model.PersistState
	Exists   bool

	namespace uuid.UUID
}

func newExecutionContext(env model.CommandEnvelope, state model.PersistState, exists bool) *ExecutionContext {
	return &ExecutionContext{
		Envelope:  env,
		State:     state,
		Exists:    exists,
		namespace: envelopeNamespace(env.EnvelopeID),
	}
}

// Now returns the envelope creation time
func (ec *ExecutionContext) Now() time.Time {
	return ec.Envelope.CreatedAt
}

// DeterministicUUID returns a UUIDv5 for name within the envelope's namespace.
// The same envelope and name always give the same id.
func (ec *ExecutionContext) DeterministicUUID(name string) uuid.UUID {
	return uuid.NewSHA1(ec.namespace, []byte(name))
}

// CommandRegistration binds a handler to (entity type, command name)
type CommandRegistration struct {
	EntityType  string
	CommandName string
	Handler     Handler
	Schema      *PayloadSchema
	// CreatesEntity lets the command target an entity that does not exist yet
	CreatesEntity bool
}

type commandKey struct {
	entityType  string
	commandName string
}

// CommandRegistry holds the handlers of a runtime
type CommandRegistry struct {
	mu       sync.RWMutex
	handlers map[commandKey]CommandRegistration
}

// NewCommandRegistry creates an empty registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[commandKey]CommandRegistration)}
}

// Register adds a handler. Registering the same pair twice is an error.
func (r *CommandRegistry) Register(reg CommandRegistration) error {
	if reg.EntityType == "" || reg.CommandName == "" {
		return fmt.Errorf("entity type and command name are required")
	}
	if reg.Handler == nil {
		return fmt.Errorf("handler for %s.%s is nil", reg.EntityType, reg.CommandName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := commandKey{reg.EntityType, reg.CommandName}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler for %s.%s already registered", reg.EntityType, reg.CommandName)
	}
	r.handlers[key] = reg
	return nil
}

// Lookup returns the registration for (entityType, commandName)
func (r *CommandRegistry) Lookup(entityType, commandName string) (CommandRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[commandKey{entityType, commandName}]
	return reg, ok
}
