package simplebank

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/domain/customer"
	"github.com/tradle/tim-bank-sub000/internal/domain/model"
)

func TestRegistry_FirstDefinedWins(t *testing.T) {
	r := NewRegistry()
	r.Register(Plugin{}, RegisterOptions{}) // no hooks, skipped
	r.Register(Plugin{
		GetRequiredForms: func(ctx context.Context, req *bank.Request, p model.Product) ([]string, bool, error) {
			return nil, false, nil // abstains
		},
	}, RegisterOptions{})
	r.Register(Plugin{
		GetRequiredForms: func(ctx context.Context, req *bank.Request, p model.Product) ([]string, bool, error) {
			return []string{"OnlyThis"}, true, nil
		},
	}, RegisterOptions{})
	r.Register(Plugin{
		GetRequiredForms: func(ctx context.Context, req *bank.Request, p model.Product) ([]string, bool, error) {
			t.Fatal("later plugin must not run once a value is defined")
			return nil, false, nil
		},
	}, RegisterOptions{})

	forms, ok, err := r.RequiredForms(context.Background(), nil, model.Product{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"OnlyThis"}, forms)
}

func TestRegistry_PrependRunsFirst(t *testing.T) {
	r := NewRegistry()
	r.Register(Plugin{
		GetRequiredForms: func(ctx context.Context, req *bank.Request, p model.Product) ([]string, bool, error) {
			return []string{"second"}, true, nil
		},
	}, RegisterOptions{})
	r.Register(Plugin{
		GetRequiredForms: func(ctx context.Context, req *bank.Request, p model.Product) ([]string, bool, error) {
			return []string{"first"}, true, nil
		},
	}, RegisterOptions{Prepend: true})

	forms, ok, err := r.RequiredForms(context.Background(), nil, model.Product{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"first"}, forms)
}

func TestRegistry_BooleanFallback(t *testing.T) {
	r := NewRegistry()

	d, err := r.ShouldIssueProduct(context.Background(), nil, &customer.Application{}, Decision{Allow: true})
	require.NoError(t, err)
	assert.True(t, d.Allow, "fallback applies when every plugin abstains")

	r.Register(Plugin{
		ShouldIssueProduct: func(ctx context.Context, req *bank.Request, app *customer.Application) (*Decision, error) {
			return &Decision{Allow: false, Reason: "manual review"}, nil
		},
	}, RegisterOptions{})

	d, err = r.ShouldIssueProduct(context.Background(), nil, &customer.Application{}, Decision{Allow: true})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "manual review", d.Reason)
}

func TestRegistry_ExecAllShortCircuitsOnSuppress(t *testing.T) {
	r := NewRegistry()
	var calls []string
	r.Register(Plugin{
		OnFormsCollected: func(ctx context.Context, req *bank.Request, app *customer.Application) (bool, error) {
			calls = append(calls, "a")
			return true, nil
		},
	}, RegisterOptions{})
	r.Register(Plugin{
		OnFormsCollected: func(ctx context.Context, req *bank.Request, app *customer.Application) (bool, error) {
			calls = append(calls, "b")
			return false, nil
		},
	}, RegisterOptions{})
	r.Register(Plugin{
		OnFormsCollected: func(ctx context.Context, req *bank.Request, app *customer.Application) (bool, error) {
			calls = append(calls, "c")
			return true, nil
		},
	}, RegisterOptions{})

	proceed, err := r.OnFormsCollected(context.Background(), nil, &customer.Application{})
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestRegistry_PluginFaultPropagates(t *testing.T) {
	r := NewRegistry()
	fault := errors.New("nil dereference in plugin")
	r.Register(Plugin{
		ShouldSendVerification: func(ctx context.Context, req *bank.Request, form *customer.FormState) (*Decision, error) {
			return nil, fault
		},
	}, RegisterOptions{})

	_, err := r.ShouldSendVerification(context.Background(), nil, &customer.FormState{}, Decision{})
	assert.ErrorIs(t, err, fault)
}

func TestEngine_PluginOverridesRequiredForms(t *testing.T) {
	f := newEngineFixture(t, autoAll())
	f.engine.Plugins().Register(Plugin{
		GetRequiredForms: func(ctx context.Context, req *bank.Request, p model.Product) ([]string, bool, error) {
			if p.Type == "CurrentAccount" {
				return []string{"AboutYou"}, true, nil
			}
			return nil, false, nil
		},
	}, RegisterOptions{})

	require.NoError(t, f.cust.send(t, f.bankID, "PRODUCT_APPLICATION", "",
		productApplicationPayload("CurrentAccount")))
	appContext := f.cust.last(t, "FORM_REQUEST").Context

	require.NoError(t, f.cust.send(t, f.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "Ada", "lastName": "Lovelace"}))

	// one form suffices under the override
	assert.NotEmpty(t, f.cust.received("CONFIRMATION"))
}

func TestEngine_OnFormsCollectedSuppressionHoldsForReview(t *testing.T) {
	f := newEngineFixture(t, autoAll())
	f.engine.Plugins().Register(Plugin{
		OnFormsCollected: func(ctx context.Context, req *bank.Request, app *customer.Application) (bool, error) {
			return false, nil
		},
	}, RegisterOptions{})

	completeCurrentAccountForms(t, f)
	assert.Empty(t, f.cust.received("CONFIRMATION"))

	state, err := f.repo.Load(context.Background(), f.cust.id())
	require.NoError(t, err)
	require.Len(t, state.PendingApplications, 1)
	assert.Equal(t, customer.StatusAwaitingApproval, state.PendingApplications[0].Status())
}

func productApplicationPayload(product string) map[string]string {
	return map[string]string{"product": product}
}

func completeCurrentAccountForms(t *testing.T, f *engineFixture) {
	t.Helper()
	require.NoError(t, f.cust.send(t, f.bankID, "PRODUCT_APPLICATION", "",
		productApplicationPayload("CurrentAccount")))
	appContext := f.cust.last(t, "FORM_REQUEST").Context
	require.NoError(t, f.cust.send(t, f.bankID, "AboutYou", appContext,
		map[string]any{"firstName": "Ada", "lastName": "Lovelace"}))
	require.NoError(t, f.cust.send(t, f.bankID, "YourMoney", appContext,
		map[string]any{"monthlyIncome": 4200, "accountPurpose": "savings"}))
	require.NoError(t, f.cust.send(t, f.bankID, "LicenseVerification", appContext,
		map[string]any{"licenseNumber": "L-77", "issuingCountry": "DE"}))
}
