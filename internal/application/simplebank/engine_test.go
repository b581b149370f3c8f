package simplebank

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/anchor"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/kvstore"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/locker"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/metrics"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/resource"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/transport"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

type peer struct {
	node *transport.InProcessNode

	mu    sync.Mutex
	inbox []protocol.Envelope
}

func newPeer(t *testing.T, hub *transport.Hub) *peer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p := &peer{node: hub.Join(priv)}
	p.node.Handle(func(ctx context.Context, env protocol.Envelope, sender transport.SenderInfo) error {
		p.mu.Lock()
		p.inbox = append(p.inbox, env)
		p.mu.Unlock()
		return nil
	})
	return p
}

func (p *peer) id() string { return p.node.Identity() }

// send delivers a message to the bank and returns the pipeline outcome.
func (p *peer) send(t *testing.T, bankID string, typ protocol.MessageType, contextID string, payload any) error {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	env := protocol.Envelope{Type: typ, Context: contextID, Timestamp: time.Now().UTC(), Object: raw}
	conf, err := p.node.Send(context.Background(), bankID, env)
	if err != nil {
		return err
	}
	return <-conf
}

func (p *peer) received(typ protocol.MessageType) []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range p.inbox {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (p *peer) last(t *testing.T, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	msgs := p.received(typ)
	require.NotEmpty(t, msgs, "expected a %s message", typ)
	return msgs[len(msgs)-1]
}

type engineFixture struct {
	engine   *Engine
	core     *bank.Core
	repo     *resource.CustomerRepository
	sealer   *anchor.LogSealer
	hub      *transport.Hub
	bankID   string
	cust     *peer
	employee *peer
}

func newEngineFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()

	store := resource.NewStore(kvstore.NewMemory())
	repo := resource.NewCustomerRepository(store)
	locks := locker.NewManager(0, zerolog.Nop())
	t.Cleanup(locks.Close)

	hub := transport.NewHub()
	_, bankPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bankNode := hub.Join(bankPriv)
	cust := newPeer(t, hub)
	employee := newPeer(t, hub)

	core := bank.NewCore(repo, store, locks, bankNode, metrics.NewBank(),
		[]string{employee.id()}, zerolog.Nop())
	bankNode.Handle(func(ctx context.Context, env protocol.Envelope, sender transport.SenderInfo) error {
		return core.Receive(ctx, env, sender, false)
	})

	sealer := anchor.NewLogSealer(zerolog.Nop())
	engine := New(core, sealer, metrics.NewBank(), opts, zerolog.Nop())

	return &engineFixture{
		engine:   engine,
		core:     core,
		repo:     repo,
		sealer:   sealer,
		hub:      hub,
		bankID:   bankNode.Identity(),
		cust:     cust,
		employee: employee,
	}
}

func autoAll() Options {
	return Options{Auto: AutoOptions{Prompt: true, Verify: true, Approve: true}}
}

func TestEngine_CurrentAccountOnboarding(t *testing.T) {
	f := newEngineFixture(t, autoAll())

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))

	first := f.cust.last(t, protocol.TypeFormRequest)
	fr, err := protocol.DecodePayload[protocol.FormRequest](first.Object)
	require.NoError(t, err)
	assert.Equal(t, "AboutYou", fr.Form)
	appContext := first.Context
	require.NotEmpty(t, appContext)

	require.NoError(t, f.cust.send(t, f.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "Ada", "lastName": "Lovelace", "dateOfBirth": "1990-01-02"}))

	// auto-verify attests the accepted form
	assert.NotEmpty(t, f.cust.received(protocol.TypeVerification))
	fr, err = protocol.DecodePayload[protocol.FormRequest](f.cust.last(t, protocol.TypeFormRequest).Object)
	require.NoError(t, err)
	assert.Equal(t, "YourMoney", fr.Form)

	require.NoError(t, f.cust.send(t, f.bankID, "YourMoney", appContext,
		map[string]any{"monthlyIncome": 4200, "accountPurpose": "savings"}))
	fr, err = protocol.DecodePayload[protocol.FormRequest](f.cust.last(t, protocol.TypeFormRequest).Object)
	require.NoError(t, err)
	assert.Equal(t, "LicenseVerification", fr.Form)

	require.NoError(t, f.cust.send(t, f.bankID, "LicenseVerification", appContext,
		map[string]any{"licenseNumber": "L-77", "issuingCountry": "DE"}))

	conf := f.cust.last(t, protocol.TypeConfirmation)
	payload, err := protocol.DecodePayload[protocol.Confirmation](conf.Object)
	require.NoError(t, err)
	assert.Equal(t, "CurrentAccount", payload.Product)

	var cert map[string]any
	require.NoError(t, json.Unmarshal(payload.Certificate, &cert))
	assert.Equal(t, "Ada", cert["firstName"])
	assert.Equal(t, "CurrentAccountConfirmation", cert["type"])
	// only declared certificate properties are copied
	assert.NotContains(t, cert, "licenseNumber")

	// the confirmation is sealed, asynchronously
	require.Eventually(t, func() bool {
		for _, link := range f.sealer.Sealed() {
			if link == conf.Link {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	state, err := f.repo.Load(context.Background(), f.cust.id())
	require.NoError(t, err)
	assert.Empty(t, state.PendingApplications)
	require.Len(t, state.Products["CurrentAccount"], 1)
}

func TestEngine_ValidationFailureRequestsEdit(t *testing.T) {
	f := newEngineFixture(t, autoAll())

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context

	require.NoError(t, f.cust.send(t, f.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "", "lastName": "Lovelace"}))

	fe, err := protocol.DecodePayload[protocol.FormError](f.cust.last(t, protocol.TypeFormError).Object)
	require.NoError(t, err)
	assert.Equal(t, "AboutYou", fe.Form)
	require.Len(t, fe.Errors, 1)
	assert.Equal(t, "firstName", fe.Errors[0].Name)
	assert.JSONEq(t, `{"firstName":"","lastName":"Lovelace"}`, string(fe.Prefill))

	// the rejected form is not recorded
	state, err := f.repo.Load(context.Background(), f.cust.id())
	require.NoError(t, err)
	app := state.FindPending(appContext)
	require.NotNil(t, app)
	assert.Nil(t, app.FindForm("AboutYou"))
	assert.Empty(t, f.cust.received(protocol.TypeVerification))
}

func TestEngine_DuplicateIdentityPublish(t *testing.T) {
	f := newEngineFixture(t, autoAll())
	identity := json.RawMessage(`{"name":"ada","keys":["k1"]}`)

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeIdentityPublishRequest, "",
		protocol.IdentityPublishRequest{Identity: identity}))
	firstPub, err := protocol.DecodePayload[protocol.IdentityPublished](
		f.cust.last(t, protocol.TypeIdentityPublished).Object)
	require.NoError(t, err)
	assert.False(t, firstPub.Republished)

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeIdentityPublishRequest, "",
		protocol.IdentityPublishRequest{Identity: identity}))
	secondPub, err := protocol.DecodePayload[protocol.IdentityPublished](
		f.cust.last(t, protocol.TypeIdentityPublished).Object)
	require.NoError(t, err)
	assert.True(t, secondPub.Republished)
	assert.Equal(t, firstPub.IdentityLink, secondPub.IdentityLink)

	// only the first publish seals
	require.Eventually(t, func() bool { return len(f.sealer.Sealed()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestEngine_DenialFlow(t *testing.T) {
	f := newEngineFixture(t, Options{Auto: AutoOptions{Prompt: true}})

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context

	require.NoError(t, f.employee.send(t, f.bankID, protocol.TypeApplicationDenial, appContext,
		protocol.ApplicationDenial{Application: appContext, Reason: "sanctions screening"}))

	denial, err := protocol.DecodePayload[protocol.ApplicationDenial](
		f.cust.last(t, protocol.TypeApplicationDenial).Object)
	require.NoError(t, err)
	assert.Equal(t, "sanctions screening", denial.Reason)

	state, err := f.repo.Load(context.Background(), f.cust.id())
	require.NoError(t, err)
	assert.Empty(t, state.PendingApplications)
	assert.Empty(t, state.Products["CurrentAccount"])
	require.Len(t, state.Denials["CurrentAccount"], 1)
}

func TestEngine_DenialByNonEmployeeRejected(t *testing.T) {
	f := newEngineFixture(t, Options{Auto: AutoOptions{Prompt: true}})

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context

	stranger := newPeer(t, f.hub)
	err := stranger.send(t, f.bankID, protocol.TypeApplicationDenial, appContext,
		protocol.ApplicationDenial{Application: appContext})
	assert.ErrorIs(t, err, bank.ErrNotAuthorized)
}

func TestEngine_VerificationDoesNotSatisfyOtherForms(t *testing.T) {
	f := newEngineFixture(t, Options{Auto: AutoOptions{Prompt: true, Approve: true}})

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context

	require.NoError(t, f.cust.send(t, f.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "Ada", "lastName": "Lovelace"}))

	// an employee attests AboutYou; that must not complete the application
	state, err := f.repo.Load(context.Background(), f.cust.id())
	require.NoError(t, err)
	form := state.FindPending(appContext).FindForm("AboutYou")
	require.NotNil(t, form)

	require.NoError(t, f.employee.send(t, f.bankID, protocol.TypeVerification, appContext,
		protocol.Verification{Document: form.Link, Form: "AboutYou"}))

	assert.Empty(t, f.cust.received(protocol.TypeConfirmation))
	fr, err := protocol.DecodePayload[protocol.FormRequest](f.cust.last(t, protocol.TypeFormRequest).Object)
	require.NoError(t, err)
	assert.Equal(t, "YourMoney", fr.Form)
}

func TestEngine_RevocationIsFinal(t *testing.T) {
	f := newEngineFixture(t, autoAll())
	completeCurrentAccount(t, f)

	state, err := f.repo.Load(context.Background(), f.cust.id())
	require.NoError(t, err)
	appContext := state.Products["CurrentAccount"][0].Permalink

	require.NoError(t, f.engine.RevokeProduct(context.Background(), f.cust.id(), appContext))
	revoked, err := protocol.DecodePayload[protocol.Confirmation](
		f.cust.last(t, protocol.TypeConfirmation).Object)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	confirmations := len(f.cust.received(protocol.TypeConfirmation))
	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeNextFormRequest, appContext,
		protocol.NextFormRequest{}))
	assert.Len(t, f.cust.received(protocol.TypeConfirmation), confirmations,
		"a revoked product must not re-approve")
}

func TestEngine_MultiEntryFormNeedsExplicitDone(t *testing.T) {
	f := newEngineFixture(t, autoAll())

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "BusinessAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context

	require.NoError(t, f.cust.send(t, f.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "Ada", "lastName": "Lovelace"}))
	require.NoError(t, f.cust.send(t, f.bankID, "BusinessInformation", appContext,
		map[string]any{"companyName": "Analytical Engines Ltd", "registrationNumber": "HRB-1"}))

	// two ownership entries, still no confirmation
	require.NoError(t, f.cust.send(t, f.bankID, "OwnershipStructure", appContext,
		map[string]any{"ownerName": "Ada", "sharePercent": 60}))
	require.NoError(t, f.cust.send(t, f.bankID, "OwnershipStructure", appContext,
		map[string]any{"ownerName": "Charles", "sharePercent": 40}))
	assert.Empty(t, f.cust.received(protocol.TypeConfirmation))

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeNextFormRequest, appContext,
		protocol.NextFormRequest{After: "OwnershipStructure"}))
	assert.NotEmpty(t, f.cust.received(protocol.TypeConfirmation))
}

func TestEngine_PrefillAutoCopiesRecentForm(t *testing.T) {
	f := newEngineFixture(t, autoAll())
	completeCurrentAccount(t, f)

	// a fresh BusinessAccount application must not re-request AboutYou
	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "BusinessAccount"}))
	fr, err := protocol.DecodePayload[protocol.FormRequest](f.cust.last(t, protocol.TypeFormRequest).Object)
	require.NoError(t, err)
	assert.Equal(t, "BusinessInformation", fr.Form)
}

func TestEngine_ForgetMe(t *testing.T) {
	f := newEngineFixture(t, autoAll())
	completeCurrentAccount(t, f)

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeForgetMe, "", nil))
	assert.NotEmpty(t, f.cust.received(protocol.TypeForgotYou))

	_, err := f.repo.Load(context.Background(), f.cust.id())
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestEngine_ImportSessionReplay(t *testing.T) {
	f := newEngineFixture(t, autoAll())

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context

	// a pre-collected AboutYou, signed by the customer out of band
	body, _ := json.Marshal(map[string]any{"firstName": "Ada", "lastName": "Lovelace"})
	item := protocol.Envelope{Type: "AboutYou", Context: appContext, Timestamp: time.Now().UTC(), Object: body}
	require.NoError(t, f.cust.node.Sign(&item))

	session, err := f.engine.CreateImportSession(context.Background(), f.cust.id(), "", []protocol.Envelope{item})
	require.NoError(t, err)

	pkg, err := protocol.DecodePayload[protocol.ConfirmPackageRequest](
		f.cust.last(t, protocol.TypeConfirmPackageRequest).Object)
	require.NoError(t, err)
	assert.Equal(t, session, pkg.Session)
	require.Len(t, pkg.Items, 1)

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeConfirmPackageResponse, "",
		protocol.ConfirmPackageResponse{Session: session, Accepted: true}))

	state, err := f.repo.Load(context.Background(), f.cust.id())
	require.NoError(t, err)
	app := state.FindPending(appContext)
	require.NotNil(t, app)
	require.NotNil(t, app.FindForm("AboutYou"), "imported form merges through the normal path")
	require.NotNil(t, state.Imported[session].DateImported)

	// import continues the application like a live submission
	fr, err := protocol.DecodePayload[protocol.FormRequest](f.cust.last(t, protocol.TypeFormRequest).Object)
	require.NoError(t, err)
	assert.Equal(t, "YourMoney", fr.Form)
}

func TestEngine_RelationshipManagerMirror(t *testing.T) {
	f := newEngineFixture(t, Options{Auto: AutoOptions{Prompt: true}})

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeSimpleMessage, "",
		protocol.SimpleMessage{Message: "hello, I have a question"}))

	state, err := f.repo.Load(context.Background(), f.cust.id())
	require.NoError(t, err)
	require.Equal(t, f.employee.id(), state.RelationshipManager)

	// the customer's message is mirrored to the assigned employee
	mirrored := f.employee.received(protocol.TypeSimpleMessage)
	require.NotEmpty(t, mirrored)
	assert.Equal(t, f.cust.id(), mirrored[0].Author)

	// and the employee's forwarded reply reaches the customer
	require.NoError(t, f.employee.sendForward(t, f.bankID, f.cust.id(),
		protocol.SimpleMessage{Message: "happy to help"}))
	replies := f.cust.received(protocol.TypeSimpleMessage)
	require.NotEmpty(t, replies)
	assert.Equal(t, f.employee.id(), replies[len(replies)-1].Author)
}

func TestEngine_ContextRoutedEmployeeReplyMirror(t *testing.T) {
	f := newEngineFixture(t, Options{Auto: AutoOptions{Prompt: true}})

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context

	// the employee answers on the application context instead of
	// forwarding on the customer's behalf
	require.NoError(t, f.employee.send(t, f.bankID, protocol.TypeSimpleMessage, appContext,
		protocol.SimpleMessage{Message: "your application is in review"}))

	replies := f.cust.received(protocol.TypeSimpleMessage)
	require.NotEmpty(t, replies)
	assert.Equal(t, f.employee.id(), replies[len(replies)-1].Author)
	assert.Equal(t, appContext, replies[len(replies)-1].Context)
}

func TestEngine_ShareContextFanOut(t *testing.T) {
	f := newEngineFixture(t, Options{Auto: AutoOptions{Prompt: true}})
	observer := newPeer(t, f.hub)

	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context

	require.NoError(t, f.employee.send(t, f.bankID, protocol.TypeShareContext, appContext,
		protocol.ShareContext{Context: appContext, With: observer.id()}))

	require.NoError(t, f.cust.send(t, f.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "Ada", "lastName": "Lovelace"}))

	// the observer sees the bank's replies on the shared context
	assert.NotEmpty(t, observer.received(protocol.TypeFormRequest))
}

// sendForward delivers an employee message on a customer's behalf.
func (p *peer) sendForward(t *testing.T, bankID, customerID string, payload any) error {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := protocol.Envelope{
		Type:      protocol.TypeSimpleMessage,
		Forward:   customerID,
		Timestamp: time.Now().UTC(),
		Object:    raw,
	}
	conf, err := p.node.Send(context.Background(), bankID, env)
	if err != nil {
		return err
	}
	return <-conf
}

func completeCurrentAccount(t *testing.T, f *engineFixture) {
	t.Helper()
	require.NoError(t, f.cust.send(t, f.bankID, protocol.TypeProductApplication, "",
		protocol.ProductApplication{Product: "CurrentAccount"}))
	appContext := f.cust.last(t, protocol.TypeFormRequest).Context
	require.NoError(t, f.cust.send(t, f.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "Ada", "lastName": "Lovelace"}))
	require.NoError(t, f.cust.send(t, f.bankID, "YourMoney", appContext,
		map[string]any{"monthlyIncome": 4200, "accountPurpose": "savings"}))
	require.NoError(t, f.cust.send(t, f.bankID, "LicenseVerification", appContext,
		map[string]any{"licenseNumber": "L-77", "issuingCountry": "DE"}))
	require.NotEmpty(t, f.cust.received(protocol.TypeConfirmation))
}
