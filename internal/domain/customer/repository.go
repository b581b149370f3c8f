package customer

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import "context"

// ContextRef indexes an application context back to its owning customer.
type ContextRef struct {
	Context  string `json:"context"`
	Customer string `json:"customer"`
	Product  string `json:"product,omitempty"`
}

// Repository persists customer state and the context index.
type Repository interface {
	// Load returns the state for a customer id, or ErrNotFound.
	Load(ctx context.Context, permalink string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, permalink string) error
	List(ctx context.Context, startAfter string, limit int) ([]*State, error)

	PutContext(ctx context.Context, ref ContextRef) error
	// ResolveContext maps a context id to its customer, or ErrNotFound.
	ResolveContext(ctx context.Context, contextID string) (ContextRef, error)
	DeleteContext(ctx context.Context, contextID string) error
	ListContexts(ctx context.Context, startAfter string, limit int) ([]ContextRef, error)
}
