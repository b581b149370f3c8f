//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	httpapi "github.com/tradle/tim-bank-sub000/internal/api/http"
	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/application/simplebank"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/anchor"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/keystore"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/kvstore"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/locker"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/metrics"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/resource"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/sse"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/transport"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

const adminToken = "integration-admin-token"

type customerSim struct {
	node *transport.InProcessNode

	mu    sync.Mutex
	inbox []protocol.Envelope
}

func (c *customerSim) received(typ protocol.MessageType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.inbox {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (c *customerSim) send(t *testing.T, bankID string, typ protocol.MessageType, contextID string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	env := protocol.Envelope{Type: typ, Context: contextID, Timestamp: time.Now().UTC(), Object: raw}
	conf, err := c.node.Send(context.Background(), bankID, env)
	require.NoError(t, err)
	require.NoError(t, <-conf)
}

type stack struct {
	srv    *httptest.Server
	core   *bank.Core
	bankID string
	cust   *customerSim
}

// newStack wires the full bank the way the server binary does, with a
// Bolt store and an encrypted key file under a temp dir.
func newStack(t *testing.T) *stack {
	t.Helper()
	dir := t.TempDir()

	kv, err := kvstore.OpenBolt(filepath.Join(dir, "bank.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	priv, err := keystore.LoadOrCreate(filepath.Join(dir, "bank.key"), "integration-pass")
	require.NoError(t, err)

	store := resource.NewStore(kv)
	repo := resource.NewCustomerRepository(store)
	locks := locker.NewManager(0, zerolog.Nop())
	t.Cleanup(locks.Close)

	hub := transport.NewHub()
	bankNode := hub.Join(priv)

	_, custPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cust := &customerSim{node: hub.Join(custPriv)}
	cust.node.Handle(func(ctx context.Context, env protocol.Envelope, sender transport.SenderInfo) error {
		cust.mu.Lock()
		cust.inbox = append(cust.inbox, env)
		cust.mu.Unlock()
		return nil
	})

	core := bank.NewCore(repo, store, locks, bankNode, metrics.NewBank(), nil, zerolog.Nop())
	events := sse.NewHub(zerolog.Nop())
	core.SetEvents(events)
	bankNode.Handle(func(ctx context.Context, env protocol.Envelope, sender transport.SenderInfo) error {
		return core.Receive(ctx, env, sender, false)
	})

	engine := simplebank.New(core, anchor.NewLogSealer(zerolog.Nop()), metrics.NewBank(),
		simplebank.Options{Auto: simplebank.AutoOptions{Prompt: true, Verify: true}}, zerolog.Nop())

	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)
	server := httpapi.NewServer(engine, nil, events, nil, string(hash), zerolog.Nop())
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &stack{srv: srv, core: core, bankID: bankNode.Identity(), cust: cust}
}

func (s *stack) adminPost(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestOnboardingWithManualApproval(t *testing.T) {
	s := newStack(t)

	s.cust.send(t, s.bankID, protocol.TypeSelfIntroduction,
		"", protocol.SelfIntroduction{Name: "Ada"})
	s.cust.send(t, s.bankID, protocol.TypeProductApplication,
		"", protocol.ProductApplication{Product: "CurrentAccount"})

	frs := s.cust.received(protocol.TypeFormRequest)
	require.NotEmpty(t, frs)
	appContext := frs[len(frs)-1].Context

	s.cust.send(t, s.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "Ada", "lastName": "Lovelace"})
	s.cust.send(t, s.bankID, "YourMoney", appContext,
		map[string]any{"monthlyIncome": 4200, "accountPurpose": "savings"})
	s.cust.send(t, s.bankID, "LicenseVerification", appContext,
		map[string]any{"licenseNumber": "L-77", "issuingCountry": "DE"})

	// auto-approval is off: forms are verified but no product yet
	require.Empty(t, s.cust.received(protocol.TypeConfirmation))
	require.NotEmpty(t, s.cust.received(protocol.TypeVerification))

	resp := s.adminPost(t, "/v1/applications/"+appContext+"/approve",
		map[string]string{"customer": s.cust.node.Identity()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	confs := s.cust.received(protocol.TypeConfirmation)
	require.Len(t, confs, 1)
	conf, err := protocol.DecodePayload[protocol.Confirmation](confs[0].Object)
	require.NoError(t, err)
	require.Equal(t, "CurrentAccount", conf.Product)

	// the approved product survives in the Bolt-backed state
	state, err := s.core.LoadCustomer(context.Background(), s.cust.node.Identity())
	require.NoError(t, err)
	require.Len(t, state.Products["CurrentAccount"], 1)
}

func TestListingsOverHTTP(t *testing.T) {
	s := newStack(t)

	s.cust.send(t, s.bankID, protocol.TypeSelfIntroduction,
		"", protocol.SelfIntroduction{Name: "Ada"})
	s.cust.send(t, s.bankID, protocol.TypeProductApplication,
		"", protocol.ProductApplication{Product: "CurrentAccount"})

	resp, err := s.srv.Client().Get(s.srv.URL + "/v1/customers")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var customers struct {
		Customers []json.RawMessage `json:"customers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&customers))
	resp.Body.Close()
	require.Len(t, customers.Customers, 1)

	resp, err = s.srv.Client().Get(s.srv.URL + "/v1/contexts")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var contexts struct {
		Contexts []json.RawMessage `json:"contexts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&contexts))
	resp.Body.Close()
	require.Len(t, contexts.Contexts, 1)

	resp, err = s.srv.Client().Get(s.srv.URL + "/v1/messages")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var messages struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&messages))
	resp.Body.Close()
	require.NotEmpty(t, messages.Messages)
}
