package simplebank

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// handleIdentityPublish anchors a counterparty identity once. A repeat of
// the same identity answers with Republished and never re-seals.
func (e *Engine) handleIdentityPublish(ctx context.Context, req *bank.Request) error {
	pub, err := bank.Payload[protocol.IdentityPublishRequest](req)
	if err != nil {
		return fmt.Errorf("%w: bad identity publish payload: %v", bank.ErrProtocolViolation, err)
	}
	if len(pub.Identity) == 0 {
		return fmt.Errorf("%w: identity is required", bank.ErrProtocolViolation)
	}

	sum := sha256.Sum256(pub.Identity)
	identityLink := base58.Encode(sum[:])

	req.Handled = true
	if req.State.IdentityLink == identityLink {
		_, err := e.reply(ctx, req, protocol.TypeIdentityPublished, protocol.IdentityPublished{
			IdentityLink: identityLink,
			Republished:  true,
		})
		return err
	}

	req.State.Identity = pub.Identity
	req.State.IdentityLink = identityLink
	e.seal(identityLink)

	_, err = e.reply(ctx, req, protocol.TypeIdentityPublished, protocol.IdentityPublished{
		IdentityLink: identityLink,
	})
	return err
}

// handleSelfIntroduction stores the counterparty profile and, unless
// silent, greets with the product list.
func (e *Engine) handleSelfIntroduction(ctx context.Context, req *bank.Request) error {
	intro, err := bank.Payload[protocol.SelfIntroduction](req)
	if err != nil {
		return fmt.Errorf("%w: bad self introduction payload: %v", bank.ErrProtocolViolation, err)
	}
	if len(intro.Profile) > 0 {
		req.State.Profile = intro.Profile
	}
	if len(intro.Identity) > 0 && len(req.State.Identity) == 0 {
		req.State.Identity = intro.Identity
	}

	var offered []string
	for _, p := range e.models.ProductTypes() {
		if e.offersProduct(p) {
			offered = append(offered, p)
		}
	}
	greeting := "Welcome!"
	if intro.Name != "" {
		greeting = fmt.Sprintf("Welcome, %s!", intro.Name)
	}
	return e.notice(ctx, req, fmt.Sprintf("%s We offer: %s.", greeting, strings.Join(offered, ", ")))
}

// handleForgetMe wipes everything stored about the customer and confirms
// with FORGOT_YOU. The erasure happens at commit, after the reply is out.
func (e *Engine) handleForgetMe(ctx context.Context, req *bank.Request) error {
	req.Handled = true
	if _, err := e.reply(ctx, req, protocol.TypeForgotYou, nil); err != nil {
		return err
	}
	req.Forget = true
	e.logger.Info().Str("customer", req.Customer).Msg("customer erasure requested")
	return nil
}

// handleShareContext grants or revokes an observer on an application
// context. Only the customer's relationship manager may share.
func (e *Engine) handleShareContext(ctx context.Context, req *bank.Request) error {
	if !req.FromEmployee && !e.core.IsEmployee(req.Envelope.Author) {
		return fmt.Errorf("%w: only employees may share contexts", bank.ErrNotAuthorized)
	}
	share, err := bank.Payload[protocol.ShareContext](req)
	if err != nil {
		return fmt.Errorf("%w: bad share context payload: %v", bank.ErrProtocolViolation, err)
	}
	rm := req.State.RelationshipManager
	if rm != "" && rm != req.Envelope.Author {
		return fmt.Errorf("%w: context %s is owned by another employee", bank.ErrNotAuthorized, share.Context)
	}
	c, ok := req.State.Contexts[share.Context]
	if !ok {
		return fmt.Errorf("%w: context %s", bank.ErrNotFound, share.Context)
	}

	req.Handled = true
	if share.Revoked {
		kept := c.Observers[:0]
		for _, obs := range c.Observers {
			if obs != share.With {
				kept = append(kept, obs)
			}
		}
		c.Observers = kept
		return nil
	}
	for _, obs := range c.Observers {
		if obs == share.With {
			return nil
		}
	}
	c.Observers = append(c.Observers, share.With)
	return nil
}

// handleSimpleMessage leaves the conversation to the relationship-manager
// mirror; an unassigned, non-silent bank answers with a holding notice.
func (e *Engine) handleSimpleMessage(ctx context.Context, req *bank.Request) error {
	if req.FromEmployee || e.core.IsEmployee(req.Envelope.Author) {
		return nil
	}
	if req.State.RelationshipManager != "" {
		return nil
	}
	return e.notice(ctx, req, "Thanks for your message. A representative will be with you shortly.")
}
