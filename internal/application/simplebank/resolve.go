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

// ApproveApplication resolves a pending application positively on behalf
// of an employee, outside the message pipeline.
func (e *Engine) ApproveApplication(ctx context.Context, cust, contextID string) error {
	return e.core.Update(ctx, cust, "approve "+contextID, func(ctx context.Context, req *bank.Request) error {
		req.Context = contextID
		app := req.State.FindPending(contextID)
		if app == nil {
			return fmt.Errorf("%w: pending application %s", bank.ErrNotFound, contextID)
		}
		return e.approve(ctx, req, app)
	})
}

// DenyApplication resolves a pending application negatively.
func (e *Engine) DenyApplication(ctx context.Context, cust, contextID, reason string) error {
	return e.core.Update(ctx, cust, "deny "+contextID, func(ctx context.Context, req *bank.Request) error {
		req.Context = contextID
		app := req.State.FindPending(contextID)
		if app == nil {
			return fmt.Errorf("%w: pending application %s", bank.ErrNotFound, contextID)
		}
		return e.deny(ctx, req, app, reason)
	})
}

// RevokeProduct marks an issued product revoked and re-publishes it.
func (e *Engine) RevokeProduct(ctx context.Context, cust, contextID string) error {
	return e.core.Update(ctx, cust, "revoke "+contextID, func(ctx context.Context, req *bank.Request) error {
		req.Context = contextID
		app := req.State.FindApplication(contextID)
		if app == nil || app.Status() != customer.StatusApproved {
			return fmt.Errorf("%w: issued product %s", bank.ErrNotFound, contextID)
		}
		return e.revoke(ctx, req, app)
	})
}

func (e *Engine) handleDenial(ctx context.Context, req *bank.Request) error {
	if !req.FromEmployee && !e.core.IsEmployee(req.Envelope.Author) {
		return fmt.Errorf("%w: only employees may deny applications", bank.ErrNotAuthorized)
	}
	d, err := bank.Payload[protocol.ApplicationDenial](req)
	if err != nil {
		return fmt.Errorf("%w: bad denial payload: %v", bank.ErrProtocolViolation, err)
	}
	contextID := d.Application
	if contextID == "" {
		contextID = req.Context
	}
	app := req.State.FindPending(contextID)
	if app == nil {
		return fmt.Errorf("%w: pending application %s", bank.ErrNotFound, contextID)
	}
	req.Context = app.Permalink
	req.Handled = true
	return e.deny(ctx, req, app, d.Reason)
}

func (e *Engine) handleRevocation(ctx context.Context, req *bank.Request) error {
	if !req.FromEmployee && !e.core.IsEmployee(req.Envelope.Author) {
		return fmt.Errorf("%w: only employees may revoke products", bank.ErrNotAuthorized)
	}
	d, err := bank.Payload[protocol.ApplicationDenial](req)
	if err != nil {
		return fmt.Errorf("%w: bad revocation payload: %v", bank.ErrProtocolViolation, err)
	}
	contextID := d.Application
	if contextID == "" {
		contextID = req.Context
	}
	app := req.State.FindApplication(contextID)
	if app == nil || app.Status() != customer.StatusApproved {
		return fmt.Errorf("%w: issued product %s", bank.ErrNotFound, contextID)
	}
	req.Context = app.Permalink
	req.Handled = true
	return e.revoke(ctx, req, app)
}

// approve synthesizes the certificate, moves the application into
// products, sends the confirmation and queues a seal.
func (e *Engine) approve(ctx context.Context, req *bank.Request, app *customer.Application) error {
	product, ok := e.models.Product(app.Type)
	if !ok {
		return fmt.Errorf("%w: product model %s", bank.ErrNotFound, app.Type)
	}
	cert, err := synthesizeCertificate(app, product)
	if err != nil {
		return fmt.Errorf("failed to synthesize certificate: %w", err)
	}
	app.Certificate = cert
	req.State.ResolveApproved(app, time.Now().UTC())

	env, err := e.reply(ctx, req, protocol.TypeConfirmation, protocol.Confirmation{
		Product:     app.Type,
		Certificate: cert,
		Message:     fmt.Sprintf("Congratulations, your %s is ready.", productTitle(product)),
	})
	if err != nil {
		return err
	}
	app.ProductLink = env.Link
	e.seal(env.Link)
	e.logger.Info().
		Str("customer", req.Customer).
		Str("product", app.Type).
		Str("context", app.Permalink).
		Msg("application approved")
	return nil
}

// deny moves the application into denials and notifies the customer.
func (e *Engine) deny(ctx context.Context, req *bank.Request, app *customer.Application, reason string) error {
	app.DenialReason = reason
	req.State.ResolveDenied(app, time.Now().UTC())

	env, err := e.reply(ctx, req, protocol.TypeApplicationDenial, protocol.ApplicationDenial{
		Application: app.Permalink,
		Product:     app.Type,
		Reason:      reason,
	})
	if err != nil {
		return err
	}
	app.Denial = env.Object
	e.seal(env.Link)
	e.logger.Info().
		Str("customer", req.Customer).
		Str("product", app.Type).
		Str("context", app.Permalink).
		Str("reason", reason).
		Msg("application denied")
	return nil
}

// revoke re-marks the issued certificate revoked, re-sends it and queues a
// fresh seal. A revoked application never re-approves.
func (e *Engine) revoke(ctx context.Context, req *bank.Request, app *customer.Application) error {
	app.Revoked = true
	product, _ := e.models.Product(app.Type)

	env, err := e.reply(ctx, req, protocol.TypeConfirmation, protocol.Confirmation{
		Product:     app.Type,
		Certificate: app.Certificate,
		Revoked:     true,
		Message:     fmt.Sprintf("Your %s has been revoked.", productTitle(product)),
	})
	if err != nil {
		return err
	}
	app.ProductLink = env.Link
	e.seal(env.Link)
	e.logger.Info().
		Str("customer", req.Customer).
		Str("product", app.Type).
		Str("context", app.Permalink).
		Msg("product revoked")
	return nil
}

// synthesizeCertificate copies declared fields from the collected forms
// into the certificate body. With no declared properties every form field
// is copied; either way later forms win name collisions.
func synthesizeCertificate(app *customer.Application, product model.Product) (json.RawMessage, error) {
	allowed := map[string]struct{}{}
	for _, p := range product.CertificateProperties {
		allowed[p] = struct{}{}
	}
	cert := map[string]any{}
	if product.Certificate != "" {
		cert["type"] = product.Certificate
	}
	cert["product"] = product.Type
	cert["application"] = app.Permalink
	for _, f := range app.Forms {
		if len(f.Body) == 0 {
			continue
		}
		fields := map[string]any{}
		if err := json.Unmarshal(f.Body, &fields); err != nil {
			continue
		}
		for name, value := range fields {
			if len(allowed) > 0 {
				if _, ok := allowed[name]; !ok {
					continue
				}
			}
			cert[name] = value
		}
	}
	return json.Marshal(cert)
}
