package simplebank

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/domain/customer"
	"github.com/tradle/tim-bank-sub000/internal/domain/model"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

func (e *Engine) handleProductApplication(ctx context.Context, req *bank.Request) error {
	app, err := bank.Payload[protocol.ProductApplication](req)
	if err != nil {
		return fmt.Errorf("%w: bad product application payload: %v", bank.ErrProtocolViolation, err)
	}
	if !e.offersProduct(app.Product) {
		return e.notice(ctx, req, fmt.Sprintf("We do not offer %q.", app.Product))
	}
	product, _ := e.models.Product(app.Product)
	if !product.AllowMultiple && req.State.HasProduct(app.Product) {
		return e.notice(ctx, req, fmt.Sprintf("You already have a %s with us.", productTitle(product)))
	}

	pending := req.State.PendingForProduct(app.Product)
	if pending == nil {
		pending = req.State.StartApplication(app.Product, req.Envelope.Link, time.Now().UTC())
		if err := e.core.PutContext(ctx, customer.ContextRef{
			Context:  pending.Permalink,
			Customer: req.Customer,
			Product:  app.Product,
		}); err != nil {
			return fmt.Errorf("failed to index application context: %w", err)
		}
		e.logger.Info().
			Str("customer", req.Customer).
			Str("product", app.Product).
			Str("context", pending.Permalink).
			Msg("application started")
	}
	req.Context = pending.Permalink
	return e.Continue(ctx, req, pending.Permalink)
}

func (e *Engine) handleNextFormRequest(ctx context.Context, req *bank.Request) error {
	if req.Context == "" {
		return nil
	}
	next, err := bank.Payload[protocol.NextFormRequest](req)
	if err != nil {
		return fmt.Errorf("%w: bad next form request payload: %v", bank.ErrProtocolViolation, err)
	}
	if next.After != "" {
		if app := req.State.FindPending(req.Context); app != nil {
			app.MarkSkipped(next.After)
		}
	}
	return e.Continue(ctx, req, req.Context)
}

// handleDocument treats any non-control message type as a form document.
// A validation failure answers with a FORM_ERROR carrying prefill and
// field errors; it never fails the request.
func (e *Engine) handleDocument(ctx context.Context, req *bank.Request) error {
	typ := string(req.Type)
	if protocol.IsControl(req.Type) {
		return nil
	}
	form, known := e.models.Form(typ)
	if !known {
		return e.notice(ctx, req, fmt.Sprintf("We don't recognize a %q document.", typ))
	}

	if e.validate {
		fieldErrs, err := e.validateForm(ctx, req, form, req.Envelope.Object)
		if err != nil {
			return err
		}
		if len(fieldErrs) > 0 {
			req.Handled = true
			_, err := e.reply(ctx, req, protocol.TypeFormError, protocol.FormError{
				Form:    typ,
				Errors:  fieldErrs,
				Message: "Please correct the highlighted fields.",
				Prefill: req.Envelope.Object,
			})
			return err
		}
	}

	incoming := customer.FormState{
		Type:         typ,
		Permalink:    req.Envelope.Permalink,
		Link:         req.Envelope.Link,
		Body:         req.Envelope.Object,
		DateReceived: req.Envelope.Timestamp.UTC(),
	}

	app := e.attachTarget(req, typ)
	var stored *customer.FormState
	var changed bool
	if app != nil {
		stored, changed = app.UpsertForm(incoming)
		req.Context = app.Permalink
	} else {
		stored, changed = req.State.UpsertProductlessForm(incoming)
	}
	req.State.RememberPrefill(stored)

	if changed {
		if err := e.maybeVerify(ctx, req, stored); err != nil {
			return err
		}
	}
	if app != nil {
		return e.Continue(ctx, req, app.Permalink)
	}
	return nil
}

// attachTarget finds the application a form belongs to: the request's own
// context first, then the first pending application requiring the type.
func (e *Engine) attachTarget(req *bank.Request, formType string) *customer.Application {
	if req.Context != "" {
		if app := req.State.FindPending(req.Context); app != nil {
			return app
		}
	}
	for _, app := range req.State.PendingApplications {
		product, ok := e.models.Product(app.Type)
		if !ok {
			continue
		}
		for _, f := range product.Forms {
			if f == formType {
				return app
			}
		}
	}
	return nil
}

func (e *Engine) validateForm(ctx context.Context, req *bank.Request, form model.Form, body json.RawMessage) ([]protocol.FieldError, error) {
	fieldErrs, ok, err := e.plugins.ValidateForm(ctx, req, form, body)
	if err != nil {
		return nil, fmt.Errorf("validateForm hook failed: %w", err)
	}
	if ok {
		return fieldErrs, nil
	}
	return evalRules(form, body)
}

// evalRules runs the schema-declared expressions against the submitted
// body. A rule that cannot evaluate, typically a missing field, fails with
// its declared message.
func evalRules(form model.Form, body json.RawMessage) ([]protocol.FieldError, error) {
	if len(form.Rules) == 0 {
		return nil, nil
	}
	params := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			return []protocol.FieldError{{Name: form.Type, Error: "form body is not an object"}}, nil
		}
	}
	var out []protocol.FieldError
	for _, rule := range form.Rules {
		expr, err := govaluate.NewEvaluableExpression(rule.Expr)
		if err != nil {
			return nil, fmt.Errorf("invalid rule %q on form %s: %w", rule.Expr, form.Type, err)
		}
		result, err := expr.Evaluate(params)
		if err != nil {
			out = append(out, protocol.FieldError{Name: rule.Field, Error: rule.Message})
			continue
		}
		if pass, ok := result.(bool); !ok || !pass {
			out = append(out, protocol.FieldError{Name: rule.Field, Error: rule.Message})
		}
	}
	return out, nil
}

// maybeVerify issues the bank's own verification for a form when allowed.
// This runs independently of, and before, the completeness check for the
// same message.
func (e *Engine) maybeVerify(ctx context.Context, req *bank.Request, form *customer.FormState) error {
	decision, err := e.plugins.ShouldSendVerification(ctx, req, form, Decision{Allow: e.auto.Verify})
	if err != nil {
		return fmt.Errorf("shouldSendVerification hook failed: %w", err)
	}
	if !decision.Allow {
		if decision.Reason != "" {
			e.logger.Debug().Str("form", form.Type).Str("reason", decision.Reason).Msg("verification withheld")
		}
		return nil
	}
	env, err := e.reply(ctx, req, protocol.TypeVerification, protocol.Verification{
		Document: form.Link,
		Form:     form.Type,
	})
	if err != nil {
		return err
	}
	if env.Link == "" {
		// vetoed by willSend
		return nil
	}
	form.IssuedVerifications = append(form.IssuedVerifications, customer.VerificationRecord{
		Author:    e.core.Identity(),
		Link:      env.Link,
		Permalink: env.Permalink,
		Document:  form.Link,
		Date:      env.Timestamp,
		Body:      env.Object,
	})
	return nil
}

// handleVerification records a counterparty's attestation on the form it
// references and advances the owning application.
func (e *Engine) handleVerification(ctx context.Context, req *bank.Request) error {
	v, err := bank.Payload[protocol.Verification](req)
	if err != nil {
		return fmt.Errorf("%w: bad verification payload: %v", bank.ErrProtocolViolation, err)
	}
	app, form := findReferencedForm(req.State, v.Document)
	if form == nil {
		return e.notice(ctx, req, "We could not find the document this verification refers to.")
	}
	wasVerified := form.Verified()
	form.Verifications = append(form.Verifications, customer.VerificationRecord{
		Author:    req.Envelope.Author,
		Link:      req.Envelope.Link,
		Permalink: req.Envelope.Permalink,
		Document:  v.Document,
		Date:      req.Envelope.Timestamp.UTC(),
		Body:      req.Envelope.Object,
	})
	if !wasVerified {
		if err := e.maybeVerify(ctx, req, form); err != nil {
			return err
		}
	}
	if app != nil {
		return e.Continue(ctx, req, app.Permalink)
	}
	return nil
}

func findReferencedForm(state *customer.State, document string) (*customer.Application, *customer.FormState) {
	match := func(f *customer.FormState) bool {
		return f.Link == document || (f.Permalink != "" && f.Permalink == document)
	}
	for _, app := range state.PendingApplications {
		for _, f := range app.Forms {
			if match(f) {
				return app, f
			}
		}
	}
	for _, f := range state.Forms {
		if match(f) {
			return nil, f
		}
	}
	return nil, nil
}
