package resource

import (
	"context"
	"encoding/json"

	"github.com/tradle/tim-bank-sub000/internal/domain/customer"
)

const (
	typeCustomer = "customer"
	typeContext  = "context"
)

// CustomerRepository implements customer.Repository over the typed store.
type CustomerRepository struct {
	store *Store
}

func NewCustomerRepository(store *Store) *CustomerRepository {
	return &CustomerRepository{store: store}
}

func (r *CustomerRepository) Load(ctx context.Context, permalink string) (*customer.State, error) {
	state := &customer.State{}
	if err := r.store.Get(ctx, typeCustomer, permalink, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (r *CustomerRepository) Save(ctx context.Context, state *customer.State) error {
	return r.store.Put(ctx, typeCustomer, state.Permalink, state)
}

func (r *CustomerRepository) Delete(ctx context.Context, permalink string) error {
	return r.store.Delete(ctx, typeCustomer, permalink)
}

func (r *CustomerRepository) List(ctx context.Context, startAfter string, limit int) ([]*customer.State, error) {
	entries, err := r.store.ListByType(ctx, typeCustomer, ListOptions{StartAfter: startAfter, Limit: limit})
	if err != nil {
		return nil, err
	}
	states := make([]*customer.State, 0, len(entries))
	for _, e := range entries {
		state := &customer.State{}
		if err := json.Unmarshal(e.Value, state); err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (r *CustomerRepository) PutContext(ctx context.Context, ref customer.ContextRef) error {
	return r.store.Put(ctx, typeContext, ref.Context, ref)
}

func (r *CustomerRepository) ResolveContext(ctx context.Context, contextID string) (customer.ContextRef, error) {
	var ref customer.ContextRef
	if err := r.store.Get(ctx, typeContext, contextID, &ref); err != nil {
		return customer.ContextRef{}, err
	}
	return ref, nil
}

func (r *CustomerRepository) DeleteContext(ctx context.Context, contextID string) error {
	return r.store.Delete(ctx, typeContext, contextID)
}

func (r *CustomerRepository) ListContexts(ctx context.Context, startAfter string, limit int) ([]customer.ContextRef, error) {
	entries, err := r.store.ListByType(ctx, typeContext, ListOptions{StartAfter: startAfter, Limit: limit})
	if err != nil {
		return nil, err
	}
	refs := make([]customer.ContextRef, 0, len(entries))
	for _, e := range entries {
		var ref customer.ContextRef
		if err := json.Unmarshal(e.Value, &ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
