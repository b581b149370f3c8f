package simplebank

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/domain/customer"
	"github.com/tradle/tim-bank-sub000/internal/domain/model"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// Decision is a structured yes/no from a permission hook. A deny is normal
// control flow, never an error.
type Decision struct {
	Allow  bool
	Reason string
}

// Plugin is a bag of optional hooks. A nil field abstains from that hook;
// a returned error is treated as a plugin fault and aborts the request.
// Hooks may do I/O and must respect ctx.
type Plugin struct {
	// GetRequiredForms overrides the schema-declared form list for a
	// product. ok=false abstains.
	GetRequiredForms func(ctx context.Context, req *bank.Request, product model.Product) (forms []string, ok bool, err error)

	// ShouldSendVerification decides whether to attest a received form.
	// nil abstains.
	ShouldSendVerification func(ctx context.Context, req *bank.Request, form *customer.FormState) (*Decision, error)

	// ShouldIssueProduct decides whether a forms-collected application is
	// approved without human review. nil abstains.
	ShouldIssueProduct func(ctx context.Context, req *bank.Request, app *customer.Application) (*Decision, error)

	// AssignRelationshipManager picks an employee for an unassigned
	// customer. ok=false abstains.
	AssignRelationshipManager func(ctx context.Context, req *bank.Request, employees []string) (permalink string, ok bool, err error)

	// ValidateForm checks a submitted body against a form schema. ok=false
	// abstains; an empty error list with ok=true accepts the body.
	ValidateForm func(ctx context.Context, req *bank.Request, form model.Form, body json.RawMessage) (errs []protocol.FieldError, ok bool, err error)

	// OnFormsCollected fires when an application's required forms are all
	// present. Returning false suppresses the default resolution step.
	OnFormsCollected func(ctx context.Context, req *bank.Request, app *customer.Application) (bool, error)

	// WillRequestForm may adjust or veto an outgoing form request.
	WillRequestForm func(ctx context.Context, req *bank.Request, app *customer.Application, fr *protocol.FormRequest) (bool, error)

	// WillSend may adjust or veto any outgoing envelope.
	WillSend func(ctx context.Context, req *bank.Request, env *protocol.Envelope) (bool, error)

	// DidReceive observes every inbound message before dispatch. Returning
	// false suppresses all default handling.
	DidReceive func(ctx context.Context, req *bank.Request) (bool, error)
}

// RegisterOptions controls plugin ordering.
type RegisterOptions struct {
	// Prepend places the plugin ahead of previously registered ones, so
	// its hooks win first-defined races.
	Prepend bool
}

// Registry holds plugins in execution order.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(p Plugin, opts RegisterOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if opts.Prepend {
		r.plugins = append([]Plugin{p}, r.plugins...)
		return
	}
	r.plugins = append(r.plugins, p)
}

func (r *Registry) snapshot() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// RequiredForms returns the first defined override, first-defined wins.
func (r *Registry) RequiredForms(ctx context.Context, req *bank.Request, product model.Product) ([]string, bool, error) {
	for _, p := range r.snapshot() {
		if p.GetRequiredForms == nil {
			continue
		}
		forms, ok, err := p.GetRequiredForms(ctx, req, product)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return forms, true, nil
		}
	}
	return nil, false, nil
}

// ShouldSendVerification coerces to a Decision, defaulting to fallback
// when every plugin abstains.
func (r *Registry) ShouldSendVerification(ctx context.Context, req *bank.Request, form *customer.FormState, fallback Decision) (Decision, error) {
	for _, p := range r.snapshot() {
		if p.ShouldSendVerification == nil {
			continue
		}
		d, err := p.ShouldSendVerification(ctx, req, form)
		if err != nil {
			return Decision{}, err
		}
		if d != nil {
			return *d, nil
		}
	}
	return fallback, nil
}

// ShouldIssueProduct coerces to a Decision with fallback.
func (r *Registry) ShouldIssueProduct(ctx context.Context, req *bank.Request, app *customer.Application, fallback Decision) (Decision, error) {
	for _, p := range r.snapshot() {
		if p.ShouldIssueProduct == nil {
			continue
		}
		d, err := p.ShouldIssueProduct(ctx, req, app)
		if err != nil {
			return Decision{}, err
		}
		if d != nil {
			return *d, nil
		}
	}
	return fallback, nil
}

// AssignRelationshipManager returns the first defined pick.
func (r *Registry) AssignRelationshipManager(ctx context.Context, req *bank.Request, employees []string) (string, bool, error) {
	for _, p := range r.snapshot() {
		if p.AssignRelationshipManager == nil {
			continue
		}
		rm, ok, err := p.AssignRelationshipManager(ctx, req, employees)
		if err != nil {
			return "", false, err
		}
		if ok {
			return rm, true, nil
		}
	}
	return "", false, nil
}

// ValidateForm returns the first defined verdict.
func (r *Registry) ValidateForm(ctx context.Context, req *bank.Request, form model.Form, body json.RawMessage) ([]protocol.FieldError, bool, error) {
	for _, p := range r.snapshot() {
		if p.ValidateForm == nil {
			continue
		}
		errs, ok, err := p.ValidateForm(ctx, req, form, body)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return errs, true, nil
		}
	}
	return nil, false, nil
}

// OnFormsCollected runs every plugin in order; an explicit false
// short-circuits and suppresses the default behavior.
func (r *Registry) OnFormsCollected(ctx context.Context, req *bank.Request, app *customer.Application) (bool, error) {
	for _, p := range r.snapshot() {
		if p.OnFormsCollected == nil {
			continue
		}
		proceed, err := p.OnFormsCollected(ctx, req, app)
		if err != nil {
			return false, err
		}
		if !proceed {
			return false, nil
		}
	}
	return true, nil
}

// WillRequestForm runs every plugin; false vetoes the send.
func (r *Registry) WillRequestForm(ctx context.Context, req *bank.Request, app *customer.Application, fr *protocol.FormRequest) (bool, error) {
	for _, p := range r.snapshot() {
		if p.WillRequestForm == nil {
			continue
		}
		proceed, err := p.WillRequestForm(ctx, req, app, fr)
		if err != nil {
			return false, err
		}
		if !proceed {
			return false, nil
		}
	}
	return true, nil
}

// WillSend runs every plugin; false vetoes the send.
func (r *Registry) WillSend(ctx context.Context, req *bank.Request, env *protocol.Envelope) (bool, error) {
	for _, p := range r.snapshot() {
		if p.WillSend == nil {
			continue
		}
		proceed, err := p.WillSend(ctx, req, env)
		if err != nil {
			return false, err
		}
		if !proceed {
			return false, nil
		}
	}
	return true, nil
}

// DidReceive runs every plugin; false suppresses default handling.
func (r *Registry) DidReceive(ctx context.Context, req *bank.Request) (bool, error) {
	for _, p := range r.snapshot() {
		if p.DidReceive == nil {
			continue
		}
		proceed, err := p.DidReceive(ctx, req)
		if err != nil {
			return false, err
		}
		if !proceed {
			return false, nil
		}
	}
	return true, nil
}
