package simplebank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/domain/customer"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// CreateImportSession stages a pre-collected remediation bundle for a
// customer and asks them to co-sign it in bulk. Returns the session id.
func (e *Engine) CreateImportSession(ctx context.Context, cust, session string, items []protocol.Envelope) (string, error) {
	if session == "" {
		session = uuid.NewString()
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: import session has no items", bank.ErrProtocolViolation)
	}
	err := e.core.Update(ctx, cust, "import "+session, func(ctx context.Context, req *bank.Request) error {
		if _, exists := req.State.Imported[session]; exists {
			return fmt.Errorf("import session %s already staged", session)
		}
		req.State.Imported[session] = &customer.ImportSession{
			Session:     session,
			Items:       items,
			DateCreated: time.Now().UTC(),
		}
		_, err := e.send(ctx, req, cust, protocol.TypeConfirmPackageRequest, protocol.ConfirmPackageRequest{
			Session: session,
			Items:   items,
			Message: fmt.Sprintf("Please confirm the %d documents we have on file for you.", len(items)),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return session, nil
}

// handleConfirmPackageResponse merges an accepted bundle by replaying each
// item through the normal document path, so imports get the same
// validation, verification and continuation behavior as live submissions.
func (e *Engine) handleConfirmPackageResponse(ctx context.Context, req *bank.Request) error {
	resp, err := bank.Payload[protocol.ConfirmPackageResponse](req)
	if err != nil {
		return fmt.Errorf("%w: bad confirm package payload: %v", bank.ErrProtocolViolation, err)
	}
	sess, ok := req.State.Imported[resp.Session]
	if !ok {
		return e.notice(ctx, req, "We have no pending import under that session.")
	}
	req.Handled = true
	if !resp.Accepted {
		delete(req.State.Imported, resp.Session)
		e.logger.Info().Str("customer", req.Customer).Str("session", resp.Session).Msg("import declined")
		return e.notice(ctx, req, "Understood, we have discarded the imported documents.")
	}
	if sess.Confirmed {
		return nil
	}
	sess.Confirmed = true

	for _, item := range sess.Items {
		if err := e.replay(ctx, req, item); err != nil {
			return fmt.Errorf("failed to import item %s: %w", item.Link, err)
		}
	}
	now := time.Now().UTC()
	sess.DateImported = &now
	e.logger.Info().
		Str("customer", req.Customer).
		Str("session", resp.Session).
		Int("items", len(sess.Items)).
		Msg("import session merged")
	return nil
}

// replay dispatches one imported envelope as if it had just arrived,
// reusing the live handlers against the same working state.
func (e *Engine) replay(ctx context.Context, req *bank.Request, item protocol.Envelope) error {
	sub := *req
	sub.Envelope = item
	sub.Type = item.Type
	sub.Context = item.Context
	sub.Handled = false

	switch {
	case item.Type == protocol.TypeVerification:
		return e.handleVerification(ctx, &sub)
	case item.Type == protocol.TypeProductApplication:
		return e.handleProductApplication(ctx, &sub)
	case !protocol.IsControl(item.Type):
		return e.handleDocument(ctx, &sub)
	default:
		// other control messages carry no importable state
		return nil
	}
}
