package bank

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tradle/tim-bank-sub000/internal/domain/customer"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/transport"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// Request is the ephemeral context for one message being processed under
// the customer's lock. State is a working copy of the persisted customer
// state; it is committed only when the whole pipeline succeeds. Side
// effects queued with Defer are joined in End before the lock is released.
type Request struct {
	Envelope protocol.Envelope
	Type     protocol.MessageType
	Sender   transport.SenderInfo

	// Customer is the resolved owner of the conversation, which differs
	// from the envelope author for employee-forwarded messages.
	Customer     string
	Context      string
	FromEmployee bool

	// Sync makes sends queue their delivery confirmations for End.
	Sync bool

	// Handled stops the remaining pipeline without error. Handlers set it
	// when they have fully answered the message.
	Handled bool

	// Forget makes commit erase the customer instead of persisting the
	// working state.
	Forget bool

	State *customer.State

	// shared is referenced, not embedded, so a shallow Request copy (used
	// to replay imported envelopes) keeps one outbox and one side-effect
	// group per lock-held pass.
	shared *requestShared
}

type requestShared struct {
	group   errgroup.Group
	endOnce sync.Once
	endErr  error

	mu   sync.Mutex
	sent []protocol.Envelope
}

func newRequest(env protocol.Envelope, sender transport.SenderInfo, cust string, fromEmployee, sync bool, state *customer.State) *Request {
	return &Request{
		Envelope:     env,
		Type:         env.Type,
		Sender:       sender,
		Customer:     cust,
		Context:      env.Context,
		FromEmployee: fromEmployee,
		Sync:         sync,
		State:        state,
		shared:       &requestShared{},
	}
}

// Defer queues a side effect to be joined in End, while the customer lock
// is still held.
func (r *Request) Defer(fn func() error) {
	r.shared.group.Go(fn)
}

// End waits for all queued side effects. Idempotent; repeat calls return
// the first result.
func (r *Request) End() error {
	r.shared.endOnce.Do(func() {
		r.shared.endErr = r.shared.group.Wait()
	})
	return r.shared.endErr
}

// Payload decodes the inbound envelope's object into T.
func Payload[T any](r *Request) (T, error) {
	return protocol.DecodePayload[T](r.Envelope.Object)
}

func (r *Request) recordSent(env protocol.Envelope) {
	r.shared.mu.Lock()
	r.shared.sent = append(r.shared.sent, env)
	r.shared.mu.Unlock()
}

// Sent returns the envelopes transmitted during this request.
func (r *Request) Sent() []protocol.Envelope {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	out := make([]protocol.Envelope, len(r.shared.sent))
	copy(out, r.shared.sent)
	return out
}
