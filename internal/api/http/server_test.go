package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/application/simplebank"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/anchor"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/kvstore"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/locker"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/metrics"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/resource"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/transport"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

const testAdminToken = "hunter2-operator-token"

type apiFixture struct {
	srv      *httptest.Server
	core     *bank.Core
	engine   *simplebank.Engine
	custPriv ed25519.PrivateKey
	custID   string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := resource.NewStore(kvstore.NewMemory())
	repo := resource.NewCustomerRepository(store)
	locks := locker.NewManager(0, zerolog.Nop())
	t.Cleanup(locks.Close)

	hub := transport.NewHub()
	_, bankPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bankNode := hub.Join(bankPriv)

	_, custPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	custNode := hub.Join(custPriv)
	custNode.Handle(func(ctx context.Context, env protocol.Envelope, sender transport.SenderInfo) error {
		return nil
	})

	core := bank.NewCore(repo, store, locks, bankNode, metrics.NewBank(), nil, zerolog.Nop())
	engine := simplebank.New(core, anchor.NewLogSealer(zerolog.Nop()), metrics.NewBank(),
		simplebank.Options{Auto: simplebank.AutoOptions{Prompt: true, Verify: true}}, zerolog.Nop())

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminToken), bcrypt.MinCost)
	require.NoError(t, err)

	server := NewServer(engine, nil, nil, nil, string(hash), zerolog.Nop())
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &apiFixture{
		srv:      srv,
		core:     core,
		engine:   engine,
		custPriv: custPriv,
		custID:   custNode.Identity(),
	}
}

func (f *apiFixture) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) signed(t *testing.T, typ protocol.MessageType, payload any) protocol.Envelope {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	env := protocol.Envelope{Type: typ, Timestamp: time.Now().UTC(), Object: raw}
	require.NoError(t, env.Sign(f.custPriv))
	return env
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_Health(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, body["identity"])
}

func TestServer_ReceiveMessage(t *testing.T) {
	f := newAPIFixture(t)

	env := f.signed(t, protocol.TypeSelfIntroduction, protocol.SelfIntroduction{
		Profile: json.RawMessage(`{"firstName":"Ada"}`),
	})
	resp := f.post(t, "/v1/messages", "", env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.Equal(t, "processed", body["status"])
	require.NotEmpty(t, body["link"])

	state, err := f.core.LoadCustomer(context.Background(), f.custID)
	require.NoError(t, err)
	require.NotNil(t, state.Profile)
}

func TestServer_ReceiveMessage_RejectsUnsigned(t *testing.T) {
	f := newAPIFixture(t)

	env := protocol.Envelope{Type: protocol.TypeSimpleMessage, Timestamp: time.Now().UTC()}
	resp := f.post(t, "/v1/messages", "", env)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.Equal(t, "PROTOCOL_VIOLATION", body["error"])
}

func TestServer_ReceiveMessage_RejectsForgedSignature(t *testing.T) {
	f := newAPIFixture(t)

	// establish real state first
	env := f.signed(t, protocol.TypeSelfIntroduction, protocol.SelfIntroduction{
		Profile: json.RawMessage(`{"firstName":"Ada"}`),
	})
	resp := f.post(t, "/v1/messages", "", env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// impersonation attempt: the victim's permalink with a key and
	// signature that never signed anything
	forged := protocol.Envelope{
		Type:      protocol.TypeForgetMe,
		Author:    f.custID,
		PublicKey: base64.StdEncoding.EncodeToString(make([]byte, ed25519.PublicKeySize)),
		Signature: base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)),
		Timestamp: time.Now().UTC(),
	}
	resp = f.post(t, "/v1/messages", "", forged)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.Equal(t, "PROTOCOL_VIOLATION", body["error"])

	state, err := f.core.LoadCustomer(context.Background(), f.custID)
	require.NoError(t, err)
	require.NotNil(t, state.Profile)
}

func TestServer_ReceiveMessage_AuthorComesFromSignature(t *testing.T) {
	f := newAPIFixture(t)

	// a validly signed envelope cannot claim somebody else's permalink
	env := f.signed(t, protocol.TypeSelfIntroduction, protocol.SelfIntroduction{
		Profile: json.RawMessage(`{"firstName":"Ada"}`),
	})
	env.Author = "somebody-else"
	resp := f.post(t, "/v1/messages", "", env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	state, err := f.core.LoadCustomer(context.Background(), f.custID)
	require.NoError(t, err)
	require.NotNil(t, state.Profile)

	_, err = f.core.LoadCustomer(context.Background(), "somebody-else")
	require.ErrorIs(t, err, bank.ErrNotFound)
}

func TestServer_GetCustomer_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/v1/customers/nonexistent")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ListCustomers(t *testing.T) {
	f := newAPIFixture(t)

	env := f.signed(t, protocol.TypeSelfIntroduction, protocol.SelfIntroduction{
		Profile: json.RawMessage(`{"firstName":"Ada"}`),
	})
	resp := f.post(t, "/v1/messages", "", env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := f.srv.Client().Get(f.srv.URL + "/v1/customers")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.Len(t, body["customers"], 1)
}

func TestServer_AdminRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/applications/ctx-1/approve", "", applicationActionRequest{Customer: f.custID})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/v1/applications/ctx-1/approve", "wrong-token", applicationActionRequest{Customer: f.custID})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_AdminApproveUnknownApplication(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/applications/ctx-1/approve", testAdminToken, applicationActionRequest{Customer: f.custID})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeJSON(t, resp)
	require.Equal(t, "NOT_FOUND", body["error"])
}

func TestServer_ForgetCustomer(t *testing.T) {
	f := newAPIFixture(t)

	env := f.signed(t, protocol.TypeSelfIntroduction, protocol.SelfIntroduction{
		Profile: json.RawMessage(`{"firstName":"Ada"}`),
	})
	resp := f.post(t, "/v1/messages", "", env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/v1/customers/"+f.custID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err = f.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, err = f.core.LoadCustomer(context.Background(), f.custID)
	require.ErrorIs(t, err, bank.ErrNotFound)
}
