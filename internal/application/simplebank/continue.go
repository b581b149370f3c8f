package simplebank

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/domain/customer"
	"github.com/tradle/tim-bank-sub000/internal/domain/model"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Continue is the single stepping function of the application state
// machine. After every relevant inbound message it decides what, if
// anything, happens next for the application identified by contextID:
// request the first missing form, or declare the forms collected and move
// toward resolution. At most one form is requested per step.
func (e *Engine) Continue(ctx context.Context, req *bank.Request, contextID string) error {
	app := req.State.FindApplication(contextID)
	if app == nil {
		// stale or foreign context
		return nil
	}
	switch app.Status() {
	case customer.StatusApproved, customer.StatusDenied, customer.StatusRevoked:
		// resolution is final; a revoked product never re-approves
		return nil
	}

	product, ok := e.models.Product(app.Type)
	if !ok {
		e.logger.Warn().Str("product", app.Type).Msg("application references unknown product model")
		return nil
	}
	if !product.AllowMultiple && req.State.HasProduct(app.Type) {
		return e.notice(ctx, req, fmt.Sprintf("You already have a %s with us.", productTitle(product)))
	}

	required, err := e.requiredForms(ctx, req, product)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, formType := range required {
		if e.formSatisfied(req, app, formType, now) {
			continue
		}
		return e.requestForm(ctx, req, app, formType)
	}

	if app.FormsCollected {
		return nil
	}
	app.FormsCollected = true

	proceed, err := e.plugins.OnFormsCollected(ctx, req, app)
	if err != nil {
		return fmt.Errorf("onFormsCollected hook failed: %w", err)
	}
	if !proceed {
		return nil
	}

	decision, err := e.plugins.ShouldIssueProduct(ctx, req, app, Decision{Allow: e.auto.Approve})
	if err != nil {
		return fmt.Errorf("shouldIssueProduct hook failed: %w", err)
	}
	if !decision.Allow {
		// awaiting an employee's approval
		if decision.Reason != "" {
			return e.notice(ctx, req, decision.Reason)
		}
		return e.notice(ctx, req, "Thank you, we have everything we need. Your application is under review.")
	}
	return e.approve(ctx, req, app)
}

func (e *Engine) requiredForms(ctx context.Context, req *bank.Request, product model.Product) ([]string, error) {
	forms, ok, err := e.plugins.RequiredForms(ctx, req, product)
	if err != nil {
		return nil, fmt.Errorf("getRequiredForms hook failed: %w", err)
	}
	if ok {
		return forms, nil
	}
	return product.Forms, nil
}

// formSatisfied reports whether one required form needs no further input.
// A multi-entry form is satisfied only when the customer explicitly marked
// it done; an ordinary form is satisfied by a received body, or by a fresh
// enough previously filled body which is copied in.
func (e *Engine) formSatisfied(req *bank.Request, app *customer.Application, formType string, now time.Time) bool {
	form, ok := e.models.Form(formType)
	if ok && form.MultiEntry {
		return app.Skipped(formType)
	}
	if f := app.FindForm(formType); f != nil && len(f.Body) > 0 {
		return true
	}
	if p, ok := req.State.RecentPrefill(formType, e.prefillAge, now); ok {
		app.UpsertForm(customer.FormState{
			Type:         formType,
			Permalink:    p.Permalink,
			Link:         p.Link,
			Body:         p.Body,
			DateReceived: p.Date,
		})
		return true
	}
	return false
}

// requestForm asks the customer for one missing form. When auto-prompting
// is off, only an explicit NEXT_FORM_REQUEST triggers the ask.
func (e *Engine) requestForm(ctx context.Context, req *bank.Request, app *customer.Application, formType string) error {
	if !e.auto.Prompt && req.Type != protocol.TypeNextFormRequest {
		return nil
	}
	fr := protocol.FormRequest{
		Form:    formType,
		Product: app.Type,
	}
	if form, ok := e.models.Form(formType); ok && form.Title != "" {
		fr.Message = fmt.Sprintf("Please fill out the %q form.", form.Title)
	}
	// stale prefill is still offered as a suggestion for the client to edit
	if p, ok := req.State.Prefilled[formType]; ok && len(p.Body) > 0 {
		fr.Prefill = p.Body
	}
	proceed, err := e.plugins.WillRequestForm(ctx, req, app, &fr)
	if err != nil {
		return fmt.Errorf("willRequestForm hook failed: %w", err)
	}
	if !proceed {
		return nil
	}
	_, err = e.reply(ctx, req, protocol.TypeFormRequest, fr)
	return err
}

func productTitle(p model.Product) string {
	if p.Title != "" {
		return p.Title
	}
	return p.Type
}
