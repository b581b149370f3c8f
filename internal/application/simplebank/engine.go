// Package simplebank implements the onboarding workflow on top of the bank
// core: form collection, verification issuance, product resolution,
// remediation imports, and relationship-manager forwarding, extensible
// through a typed plugin registry.
package simplebank

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/domain/model"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/anchor"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/metrics"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// DefaultPrefillAge bounds how old a previously filled form may be to be
// auto-copied into a new application.
const DefaultPrefillAge = 24 * time.Hour

// AutoOptions toggles the engine's unattended behaviors.
type AutoOptions struct {
	// Prompt requests the next missing form after every relevant message.
	Prompt bool
	// Verify issues a verification for every accepted form.
	Verify bool
	// Approve resolves an application as soon as its forms are collected,
	// without waiting for an employee.
	Approve bool
}

// Options is the engine configuration surface.
type Options struct {
	// Validate runs declared form rules on submission. Defaults to true;
	// set to false explicitly via the pointer.
	Validate *bool
	Auto     AutoOptions
	// Models is the product/form schema. Zero value falls back to the
	// built-in retail set.
	Models model.Set
	// ProductList restricts which products may be applied for. Defaults
	// to every product in Models.
	ProductList []string
	// Silent suppresses conversational notices.
	Silent bool
	// DisableForwarding turns off relationship-manager mirroring.
	DisableForwarding bool
	// PrefillAge overrides DefaultPrefillAge.
	PrefillAge time.Duration
}

// Engine is the workflow state machine. It registers itself on the core's
// pipeline at construction.
type Engine struct {
	core    *bank.Core
	plugins *Registry
	sealer  anchor.Sealer
	metrics *metrics.Bank
	logger  zerolog.Logger

	models     model.Set
	products   map[string]struct{}
	validate   bool
	auto       AutoOptions
	silent     bool
	noForward  bool
	prefillAge time.Duration
}

// New wires the engine into the core pipeline.
func New(core *bank.Core, sealer anchor.Sealer, m *metrics.Bank, opts Options, logger zerolog.Logger) *Engine {
	models := opts.Models
	if len(models.ProductTypes()) == 0 {
		models = model.Default()
	}
	productList := opts.ProductList
	if len(productList) == 0 {
		productList = models.ProductTypes()
	}
	products := make(map[string]struct{}, len(productList))
	for _, p := range productList {
		products[p] = struct{}{}
	}
	validate := true
	if opts.Validate != nil {
		validate = *opts.Validate
	}
	prefillAge := opts.PrefillAge
	if prefillAge <= 0 {
		prefillAge = DefaultPrefillAge
	}

	e := &Engine{
		core:       core,
		plugins:    NewRegistry(),
		sealer:     sealer,
		metrics:    m,
		logger:     logger.With().Str("service", "simplebank").Logger(),
		models:     models,
		products:   products,
		validate:   validate,
		auto:       opts.Auto,
		silent:     opts.Silent,
		noForward:  opts.DisableForwarding,
		prefillAge: prefillAge,
	}

	core.Use(bank.Wildcard, e.preprocess)
	core.Use(protocol.TypeIdentityPublishRequest, e.handleIdentityPublish)
	core.Use(protocol.TypeSelfIntroduction, e.handleSelfIntroduction)
	core.Use(protocol.TypeProductApplication, e.handleProductApplication)
	core.Use(protocol.TypeNextFormRequest, e.handleNextFormRequest)
	core.Use(protocol.TypeVerification, e.handleVerification)
	core.Use(protocol.TypeApplicationDenial, e.handleDenial)
	core.Use(protocol.TypeApplicationRevocation, e.handleRevocation)
	core.Use(protocol.TypeForgetMe, e.handleForgetMe)
	core.Use(protocol.TypeShareContext, e.handleShareContext)
	core.Use(protocol.TypeConfirmPackageResponse, e.handleConfirmPackageResponse)
	core.Use(protocol.TypeSimpleMessage, e.handleSimpleMessage)
	core.Use(bank.Wildcard, e.handleDocument)
	core.Use(bank.Wildcard, e.postprocess)
	return e
}

// Plugins exposes the hook registry.
func (e *Engine) Plugins() *Registry {
	return e.plugins
}

// Core exposes the underlying bank core.
func (e *Engine) Core() *bank.Core {
	return e.core
}

// Models exposes the configured schema set.
func (e *Engine) Models() model.Set {
	return e.models
}

func (e *Engine) preprocess(ctx context.Context, req *bank.Request) error {
	proceed, err := e.plugins.DidReceive(ctx, req)
	if err != nil {
		return fmt.Errorf("didReceive hook failed: %w", err)
	}
	if !proceed {
		req.Handled = true
	}
	return nil
}

// postprocess assigns a relationship manager to unassigned customers and
// mirrors non-form conversation between the customer and that employee.
func (e *Engine) postprocess(ctx context.Context, req *bank.Request) error {
	author := req.Envelope.Author
	fromStaff := req.FromEmployee || e.core.IsEmployee(author)

	if !fromStaff && req.State.RelationshipManager == "" && len(e.core.Employees()) > 0 {
		rm, ok, err := e.plugins.AssignRelationshipManager(ctx, req, e.core.Employees())
		if err != nil {
			return fmt.Errorf("assignRelationshipManager hook failed: %w", err)
		}
		if !ok {
			rm = e.core.Employees()[0]
		}
		req.State.RelationshipManager = rm
		e.logger.Info().
			Str("customer", req.Customer).
			Str("relationship_manager", rm).
			Msg("relationship manager assigned")
	}

	if e.noForward || e.models.IsForm(string(req.Type)) {
		return nil
	}
	rm := req.State.RelationshipManager
	switch {
	case fromStaff && req.Customer != author:
		// employee reply addressed back to the customer, either forwarded
		// explicitly or routed through the conversation context
		if _, err := e.core.SendEnvelope(ctx, req, req.Customer, req.Envelope); err != nil {
			e.logger.Warn().Err(err).Str("customer", req.Customer).Msg("failed to mirror employee message")
		}
	case !fromStaff && rm != "":
		if _, err := e.core.SendEnvelope(ctx, req, rm, req.Envelope); err != nil {
			e.logger.Warn().Err(err).Str("relationship_manager", rm).Msg("failed to mirror customer message")
		}
	}
	return nil
}

// reply sends a typed message to the customer and fans it out to any
// observers of the request's context, after the willSend hook.
func (e *Engine) reply(ctx context.Context, req *bank.Request, typ protocol.MessageType, payload any) (protocol.Envelope, error) {
	env, err := e.send(ctx, req, req.Customer, typ, payload)
	if err != nil {
		return env, err
	}
	if c, ok := req.State.Contexts[req.Context]; ok {
		for _, obs := range c.Observers {
			if _, err := e.core.SendEnvelope(ctx, req, obs, env); err != nil {
				e.logger.Warn().Err(err).Str("observer", obs).Msg("failed to fan out to observer")
			}
		}
	}
	return env, nil
}

func (e *Engine) send(ctx context.Context, req *bank.Request, to string, typ protocol.MessageType, payload any) (protocol.Envelope, error) {
	env := protocol.Envelope{Type: typ, Context: req.Context, Timestamp: time.Now().UTC()}
	raw, err := marshalPayload(payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	env.Object = raw
	proceed, err := e.plugins.WillSend(ctx, req, &env)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("willSend hook failed: %w", err)
	}
	if !proceed {
		return protocol.Envelope{}, nil
	}
	return e.core.SendEnvelope(ctx, req, to, env)
}

// notice sends a conversational SIMPLE_MESSAGE unless the engine is silent.
func (e *Engine) notice(ctx context.Context, req *bank.Request, msg string) error {
	if e.silent || msg == "" {
		return nil
	}
	_, err := e.reply(ctx, req, protocol.TypeSimpleMessage, protocol.SimpleMessage{Message: msg})
	return err
}

// seal queues an anchoring request. Best effort: failures are logged and
// never block or fail the reply path.
func (e *Engine) seal(link string) {
	if e.sealer == nil || link == "" {
		return
	}
	e.metrics.SealsQueued.Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.sealer.Seal(ctx, link); err != nil {
			e.logger.Warn().Err(err).Str("link", link).Msg("seal request failed")
		}
	}()
}

func (e *Engine) offersProduct(typ string) bool {
	_, ok := e.products[typ]
	return ok
}
