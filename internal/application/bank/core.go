// Package bank owns the lock-protected read-modify-write cycle per
// customer: it resolves the customer for an inbound message, loads the
// persisted state, drives the message through the registered pipeline on a
// working copy, and commits the copy only when the pipeline succeeds.
package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradle/tim-bank-sub000/internal/domain/customer"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/locker"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/metrics"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/resource"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/transport"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

var (
	// ErrProtocolViolation marks malformed envelopes. Mapped to 400.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNotAuthorized marks forbidden operations, such as a non-employee
	// declaring a forward target. Mapped to 403.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound marks missing customers or applications. Mapped to 404.
	ErrNotFound = errors.New("not found")
)

// ResourceMessage is the resource type under which processed and sent
// envelopes are persisted.
const ResourceMessage = "message"

// Wildcard registers a handler for every message type.
const Wildcard protocol.MessageType = "*"

// Handler is one pipeline step. Returning an error aborts the remaining
// pipeline and discards the working state copy.
type Handler func(ctx context.Context, req *Request) error

// Event describes one completed (or failed) message pass, for the
// operational event stream.
type Event struct {
	Customer string `json:"customer"`
	Type     string `json:"type"`
	Context  string `json:"context,omitempty"`
	Status   string `json:"status"`
}

// Publisher receives pipeline events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

type registration struct {
	typ protocol.MessageType
	fn  Handler
}

// Core dispatches inbound messages through the middleware pipeline under
// per-customer mutual exclusion.
type Core struct {
	repo      customer.Repository
	resources *resource.Store
	locks     *locker.Manager
	node      transport.Node
	metrics   *metrics.Bank
	events    Publisher
	logger    zerolog.Logger
	version   string

	employees   []string
	employeeSet map[string]struct{}
	pipeline    []registration
}

// NewCore creates a bank core. Employees are the permalinks allowed to
// forward messages on behalf of customers.
func NewCore(
	repo customer.Repository,
	resources *resource.Store,
	locks *locker.Manager,
	node transport.Node,
	m *metrics.Bank,
	employees []string,
	logger zerolog.Logger,
) *Core {
	set := make(map[string]struct{}, len(employees))
	for _, e := range employees {
		set[e] = struct{}{}
	}
	return &Core{
		repo:        repo,
		resources:   resources,
		locks:       locks,
		node:        node,
		metrics:     m,
		logger:      logger.With().Str("service", "bank").Logger(),
		employees:   employees,
		employeeSet: set,
	}
}

// SetEvents attaches the pipeline event publisher. Must be called before
// the core starts receiving.
func (c *Core) SetEvents(p Publisher) {
	c.events = p
}

// SetVersion records the bank version stamped onto new customer states.
func (c *Core) SetVersion(v string) {
	c.version = v
}

// Use registers a handler for a message type, or for all messages with
// Wildcard. Handlers run in registration order. Not safe to call once
// Receive is serving.
func (c *Core) Use(typ protocol.MessageType, fn Handler) {
	c.pipeline = append(c.pipeline, registration{typ: typ, fn: fn})
}

// Identity returns the bank's own permalink.
func (c *Core) Identity() string {
	return c.node.Identity()
}

// IsEmployee reports whether a permalink belongs to the employee roster.
func (c *Core) IsEmployee(permalink string) bool {
	_, ok := c.employeeSet[permalink]
	return ok
}

// Employees returns the roster in configuration order.
func (c *Core) Employees() []string {
	return c.employees
}

// Receive drives one verified inbound envelope through the pipeline. Sync
// requests wait for queued delivery confirmations before returning.
//
// The working state is persisted only when every handler returns nil; a
// pipeline error discards the copy and leaves the stored state untouched.
// The customer lock is released after End has joined all queued side
// effects.
func (c *Core) Receive(ctx context.Context, env protocol.Envelope, sender transport.SenderInfo, sync bool) error {
	c.metrics.MessagesReceived.WithLabelValues(string(env.Type)).Inc()

	if err := env.ValidateBasic(); err != nil {
		c.metrics.MessagesFailed.WithLabelValues(string(env.Type)).Inc()
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if env.Author == "" {
		env.Author = protocol.IdentityPermalink(env.PublicKey)
	}

	cust, fromEmployee, err := c.resolveCustomer(ctx, env)
	if err != nil {
		c.metrics.MessagesFailed.WithLabelValues(string(env.Type)).Inc()
		return err
	}

	lockStart := time.Now()
	release, err := c.locks.Acquire(ctx, customerLockKey(cust), string(env.Type))
	if err != nil {
		c.metrics.MessagesFailed.WithLabelValues(string(env.Type)).Inc()
		return fmt.Errorf("failed to acquire customer lock: %w", err)
	}
	defer release()
	c.metrics.LockWaitSeconds.Observe(time.Since(lockStart).Seconds())

	state, err := c.loadOrInit(ctx, cust)
	if err != nil {
		c.metrics.MessagesFailed.WithLabelValues(string(env.Type)).Inc()
		return err
	}
	working, err := state.Clone()
	if err != nil {
		c.metrics.MessagesFailed.WithLabelValues(string(env.Type)).Inc()
		return fmt.Errorf("failed to stage customer state: %w", err)
	}

	req := newRequest(env, sender, cust, fromEmployee, sync, working)

	pipelineErr := c.runPipeline(ctx, req)
	if endErr := req.End(); pipelineErr == nil {
		pipelineErr = endErr
	}
	if pipelineErr == nil {
		pipelineErr = c.commit(ctx, req, true)
	}
	if pipelineErr != nil {
		c.metrics.MessagesFailed.WithLabelValues(string(env.Type)).Inc()
		c.logger.Error().Err(pipelineErr).
			Str("customer", cust).
			Str("type", string(env.Type)).
			Str("link", env.Link).
			Msg("message pipeline failed")
		c.publish(req, "failed")
		return pipelineErr
	}

	c.metrics.MessagesProcessed.WithLabelValues(string(env.Type)).Inc()
	c.publish(req, "processed")
	return nil
}

// Update runs fn against a customer's state under the same lock and
// commit discipline as the message pipeline. Used for operations that
// originate outside the transport, such as employee approvals over HTTP.
func (c *Core) Update(ctx context.Context, cust, reason string, fn func(ctx context.Context, req *Request) error) error {
	release, err := c.locks.Acquire(ctx, customerLockKey(cust), reason)
	if err != nil {
		return fmt.Errorf("failed to acquire customer lock: %w", err)
	}
	defer release()

	state, err := c.repo.Load(ctx, cust)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return fmt.Errorf("%w: customer %s", ErrNotFound, cust)
		}
		return fmt.Errorf("failed to load customer state: %w", err)
	}

	working, err := state.Clone()
	if err != nil {
		return fmt.Errorf("failed to stage customer state: %w", err)
	}

	req := newRequest(protocol.Envelope{}, transport.SenderInfo{}, cust, false, false, working)
	runErr := fn(ctx, req)
	if endErr := req.End(); runErr == nil {
		runErr = endErr
	}
	if runErr != nil {
		return runErr
	}
	return c.commit(ctx, req, false)
}

// Send transmits a typed reply to the request's resolved customer.
func (c *Core) Send(ctx context.Context, req *Request, typ protocol.MessageType, payload any) (protocol.Envelope, error) {
	return c.SendTo(ctx, req, req.Customer, typ, payload)
}

// SendTo transmits a typed message to an explicit recipient, such as a
// relationship manager mirror.
func (c *Core) SendTo(ctx context.Context, req *Request, to string, typ protocol.MessageType, payload any) (protocol.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	env := protocol.Envelope{
		Type:      typ,
		Context:   req.Context,
		Timestamp: time.Now().UTC(),
		Object:    raw,
	}
	return c.SendEnvelope(ctx, req, to, env)
}

// SendEnvelope signs the envelope if unsigned and transmits it. Sync
// requests queue the delivery confirmation for End.
func (c *Core) SendEnvelope(ctx context.Context, req *Request, to string, env protocol.Envelope) (protocol.Envelope, error) {
	if !env.Signed() {
		if env.Timestamp.IsZero() {
			env.Timestamp = time.Now().UTC()
		}
		if err := c.node.Sign(&env); err != nil {
			return protocol.Envelope{}, fmt.Errorf("failed to sign %s: %w", env.Type, err)
		}
	}
	conf, err := c.node.Send(ctx, to, env)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("failed to send %s to %s: %w", env.Type, to, err)
	}
	c.metrics.MessagesSent.WithLabelValues(string(env.Type)).Inc()
	req.recordSent(env)
	if req.Sync {
		req.Defer(func() error {
			select {
			case confErr := <-conf:
				if confErr != nil {
					return fmt.Errorf("delivery of %s to %s failed: %w", env.Type, to, confErr)
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return env, nil
}

// Lock exposes the lock manager for callers that need to serialize
// operations beyond the message pipeline.
func (c *Core) Lock(ctx context.Context, key, reason string) (locker.Release, error) {
	return c.locks.Acquire(ctx, key, reason)
}

// LoadCustomer returns the persisted state, or ErrNotFound.
func (c *Core) LoadCustomer(ctx context.Context, permalink string) (*customer.State, error) {
	state, err := c.repo.Load(ctx, permalink)
	if errors.Is(err, resource.ErrNotFound) {
		return nil, fmt.Errorf("%w: customer %s", ErrNotFound, permalink)
	}
	return state, err
}

// ListCustomers pages the stored customer states.
func (c *Core) ListCustomers(ctx context.Context, startAfter string, limit int) ([]*customer.State, error) {
	return c.repo.List(ctx, startAfter, limit)
}

// ListContexts pages the context index.
func (c *Core) ListContexts(ctx context.Context, startAfter string, limit int) ([]customer.ContextRef, error) {
	return c.repo.ListContexts(ctx, startAfter, limit)
}

// ListMessages pages the persisted envelopes.
func (c *Core) ListMessages(ctx context.Context, opts resource.ListOptions) ([]protocol.Envelope, error) {
	entries, err := c.resources.ListByType(ctx, ResourceMessage, opts)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Envelope, 0, len(entries))
	for _, e := range entries {
		var env protocol.Envelope
		if err := json.Unmarshal(e.Value, &env); err != nil {
			return nil, fmt.Errorf("failed to decode stored message %s: %w", e.ID, err)
		}
		out = append(out, env)
	}
	return out, nil
}

// List is a read-only projection over an arbitrary resource type.
func (c *Core) List(ctx context.Context, typ string, opts resource.ListOptions) ([]resource.Entry, error) {
	return c.resources.ListByType(ctx, typ, opts)
}

// PutContext indexes an application context to its owning customer.
func (c *Core) PutContext(ctx context.Context, ref customer.ContextRef) error {
	return c.repo.PutContext(ctx, ref)
}

// ForgetCustomer removes the customer state and its context index entries.
func (c *Core) ForgetCustomer(ctx context.Context, permalink string) error {
	refs, err := c.repo.ListContexts(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("failed to list contexts: %w", err)
	}
	for _, ref := range refs {
		if ref.Customer != permalink {
			continue
		}
		if err := c.repo.DeleteContext(ctx, ref.Context); err != nil {
			return fmt.Errorf("failed to delete context %s: %w", ref.Context, err)
		}
	}
	if err := c.repo.Delete(ctx, permalink); err != nil && !errors.Is(err, resource.ErrNotFound) {
		return fmt.Errorf("failed to delete customer state: %w", err)
	}
	return nil
}

func (c *Core) resolveCustomer(ctx context.Context, env protocol.Envelope) (string, bool, error) {
	cust := env.Author
	fromEmployee := false
	if env.Forward != "" {
		if !c.IsEmployee(env.Author) {
			return "", false, fmt.Errorf("%w: forwarding requires an employee sender", ErrNotAuthorized)
		}
		cust = env.Forward
		fromEmployee = true
	}
	if env.Context != "" {
		ref, err := c.repo.ResolveContext(ctx, env.Context)
		switch {
		case err == nil && ref.Customer != "":
			cust = ref.Customer
		case err != nil && !errors.Is(err, resource.ErrNotFound):
			return "", false, fmt.Errorf("failed to resolve context %s: %w", env.Context, err)
		}
	}
	return cust, fromEmployee, nil
}

func (c *Core) loadOrInit(ctx context.Context, cust string) (*customer.State, error) {
	state, err := c.repo.Load(ctx, cust)
	if errors.Is(err, resource.ErrNotFound) {
		return customer.NewState(cust, c.version), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer state: %w", err)
	}
	return state, nil
}

func (c *Core) runPipeline(ctx context.Context, req *Request) error {
	for _, reg := range c.pipeline {
		if req.Handled {
			return nil
		}
		if reg.typ != Wildcard && reg.typ != req.Type {
			continue
		}
		if err := reg.fn(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// commit persists the working state and the request's envelopes. Inbound
// persistence is skipped for programmatic updates, which have no envelope.
func (c *Core) commit(ctx context.Context, req *Request, inbound bool) error {
	if req.Forget {
		return c.ForgetCustomer(ctx, req.Customer)
	}
	if err := c.repo.Save(ctx, req.State); err != nil {
		return fmt.Errorf("failed to persist customer state: %w", err)
	}
	if inbound && req.Envelope.Link != "" {
		if err := c.resources.Put(ctx, ResourceMessage, req.Envelope.Link, req.Envelope); err != nil {
			return fmt.Errorf("failed to persist inbound message: %w", err)
		}
	}
	for _, out := range req.Sent() {
		if err := c.resources.Put(ctx, ResourceMessage, out.Link, out); err != nil {
			return fmt.Errorf("failed to persist outbound message: %w", err)
		}
	}
	return nil
}

func (c *Core) publish(req *Request, status string) {
	if c.events == nil {
		return
	}
	c.events.Publish(Event{
		Customer: req.Customer,
		Type:     string(req.Type),
		Context:  req.Context,
		Status:   status,
	})
}

func customerLockKey(permalink string) string {
	return "customer:" + permalink
}
