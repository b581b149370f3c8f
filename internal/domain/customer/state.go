// Package customer holds the per-customer conversation state: pending and
// resolved product applications, collected forms, verifications, and import
// sessions. One State per customer identity is both the unit of persistence
// and the unit of locking.
package customer

import (
	"encoding/json"
	"time"

	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// ApplicationStatus is derived from application contents, never stored.
type ApplicationStatus string

const (
	StatusCollectingForms  ApplicationStatus = "COLLECTING_FORMS"
	StatusAwaitingApproval ApplicationStatus = "AWAITING_APPROVAL"
	StatusApproved         ApplicationStatus = "APPROVED"
	StatusDenied           ApplicationStatus = "DENIED"
	StatusRevoked          ApplicationStatus = "REVOKED"
)

// VerificationRecord is one attestation attached to a form.
type VerificationRecord struct {
	Author    string          `json:"author"`
	Link      string          `json:"link"`
	Permalink string          `json:"permalink"`
	Document  string          `json:"document"`
	Date      time.Time       `json:"date"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// FormState tracks one distinct form document within an application, keyed
// by permalink. A resubmission under the same permalink overwrites in place.
type FormState struct {
	Type                string               `json:"type"`
	Permalink           string               `json:"permalink"`
	Link                string               `json:"link"`
	Body                json.RawMessage      `json:"body,omitempty"`
	DateReceived        time.Time            `json:"dateReceived"`
	Verifications       []VerificationRecord `json:"verifications,omitempty"`
	IssuedVerifications []VerificationRecord `json:"issuedVerifications,omitempty"`
}

// Verified reports whether any party has attested this form.
func (f *FormState) Verified() bool {
	return len(f.Verifications) > 0 || len(f.IssuedVerifications) > 0
}

// Application is one product application. It is created on the first
// PRODUCT_APPLICATION for a not-yet-pending product type, moves from
// pending to products or denials on resolution, and is never deleted.
type Application struct {
	Type        string       `json:"type"`
	Permalink   string       `json:"permalink"` // application/context id
	DateStarted time.Time    `json:"dateStarted"`
	Skip        []string     `json:"skip,omitempty"`
	Forms       []*FormState `json:"forms,omitempty"`
	// FormsCollected latches once every required form has been received.
	FormsCollected bool            `json:"formsCollected,omitempty"`
	Certificate    json.RawMessage `json:"certificate,omitempty"`
	// ProductLink is the link of the issued certificate message.
	ProductLink  string          `json:"productLink,omitempty"`
	Denial       json.RawMessage `json:"denial,omitempty"`
	DenialReason string          `json:"denialReason,omitempty"`
	Revoked      bool            `json:"revoked,omitempty"`
	DateResolved *time.Time      `json:"dateResolved,omitempty"`
}

// Status derives the named application state.
func (a *Application) Status() ApplicationStatus {
	switch {
	case a.Revoked:
		return StatusRevoked
	case len(a.Denial) > 0 || a.DenialReason != "":
		return StatusDenied
	case len(a.Certificate) > 0:
		return StatusApproved
	case a.FormsCollected:
		return StatusAwaitingApproval
	default:
		return StatusCollectingForms
	}
}

// Skipped reports whether formType was explicitly terminated by the client.
func (a *Application) Skipped(formType string) bool {
	for _, s := range a.Skip {
		if s == formType {
			return true
		}
	}
	return false
}

// MarkSkipped records an explicit form termination. Repeats are no-ops.
func (a *Application) MarkSkipped(formType string) {
	if !a.Skipped(formType) {
		a.Skip = append(a.Skip, formType)
	}
}

// FindForm returns the form state for a type, or nil.
func (a *Application) FindForm(formType string) *FormState {
	for _, f := range a.Forms {
		if f.Type == formType {
			return f
		}
	}
	return nil
}

// UpsertForm merges an incoming form document. Matching is keyed by
// permalink with lenient fallback on link; a match updates the entry in
// place, anything else appends a new entry. It returns the resulting form
// state and whether the body actually changed.
func (a *Application) UpsertForm(incoming FormState) (*FormState, bool) {
	f, changed := upsertForm(&a.Forms, incoming)
	return f, changed
}

func upsertForm(forms *[]*FormState, incoming FormState) (*FormState, bool) {
	for _, f := range *forms {
		if f.Permalink == incoming.Permalink || (incoming.Link != "" && f.Link == incoming.Link) {
			if f.Link == incoming.Link {
				// identical version, idempotent receipt
				return f, false
			}
			f.Link = incoming.Link
			f.Body = incoming.Body
			f.DateReceived = incoming.DateReceived
			return f, true
		}
	}
	f := &FormState{
		Type:         incoming.Type,
		Permalink:    incoming.Permalink,
		Link:         incoming.Link,
		Body:         incoming.Body,
		DateReceived: incoming.DateReceived,
	}
	*forms = append(*forms, f)
	return f, true
}

// Prefill caches the latest filled body per form type for auto-copy into
// later applications.
type Prefill struct {
	Type      string          `json:"type"`
	Link      string          `json:"link"`
	Permalink string          `json:"permalink"`
	Body      json.RawMessage `json:"body"`
	Date      time.Time       `json:"date"`
}

// Context tracks observers of one application context.
type Context struct {
	Observers []string `json:"observers,omitempty"`
}

// ImportSession is a pre-collected remediation bundle awaiting confirmation.
type ImportSession struct {
	Session      string              `json:"session"`
	Items        []protocol.Envelope `json:"items"`
	Confirmed    bool                `json:"confirmed,omitempty"`
	DateCreated  time.Time           `json:"dateCreated"`
	DateImported *time.Time          `json:"dateImported,omitempty"`
}

// State is the sole persisted record per customer.
type State struct {
	Permalink           string          `json:"permalink"`
	Identity            json.RawMessage `json:"identity,omitempty"`
	IdentityLink        string          `json:"identityLink,omitempty"`
	Profile             json.RawMessage `json:"profile,omitempty"`
	BankVersion         string          `json:"bankVersion,omitempty"`
	RelationshipManager string          `json:"relationshipManager,omitempty"`

	PendingApplications []*Application            `json:"pendingApplications,omitempty"`
	Products            map[string][]*Application `json:"products,omitempty"`
	Denials             map[string][]*Application `json:"denials,omitempty"`
	Forms               []*FormState              `json:"forms,omitempty"` // productless
	Imported            map[string]*ImportSession `json:"imported,omitempty"`
	Prefilled           map[string]Prefill        `json:"prefilled,omitempty"`
	Contexts            map[string]*Context       `json:"contexts,omitempty"`
}

func NewState(permalink, bankVersion string) *State {
	return &State{
		Permalink:   permalink,
		BankVersion: bankVersion,
		Products:    map[string][]*Application{},
		Denials:     map[string][]*Application{},
		Imported:    map[string]*ImportSession{},
		Prefilled:   map[string]Prefill{},
		Contexts:    map[string]*Context{},
	}
}

// Clone deep-copies the state for copy-on-write staging. Every field is
// JSON-serializable, so a marshal round trip is the copy.
func (s *State) Clone() (*State, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := &State{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	if out.Products == nil {
		out.Products = map[string][]*Application{}
	}
	if out.Denials == nil {
		out.Denials = map[string][]*Application{}
	}
	if out.Imported == nil {
		out.Imported = map[string]*ImportSession{}
	}
	if out.Prefilled == nil {
		out.Prefilled = map[string]Prefill{}
	}
	if out.Contexts == nil {
		out.Contexts = map[string]*Context{}
	}
	return out, nil
}

// FindPending returns the pending application with the given context id.
func (s *State) FindPending(contextID string) *Application {
	for _, a := range s.PendingApplications {
		if a.Permalink == contextID {
			return a
		}
	}
	return nil
}

// FindApplication searches pending, resolved and denied applications.
func (s *State) FindApplication(contextID string) *Application {
	if a := s.FindPending(contextID); a != nil {
		return a
	}
	for _, list := range s.Products {
		for _, a := range list {
			if a.Permalink == contextID {
				return a
			}
		}
	}
	for _, list := range s.Denials {
		for _, a := range list {
			if a.Permalink == contextID {
				return a
			}
		}
	}
	return nil
}

// PendingForProduct returns the pending application for a product type.
func (s *State) PendingForProduct(productType string) *Application {
	for _, a := range s.PendingApplications {
		if a.Type == productType {
			return a
		}
	}
	return nil
}

// HasProduct reports whether the customer holds an unrevoked instance of
// the product.
func (s *State) HasProduct(productType string) bool {
	for _, a := range s.Products[productType] {
		if !a.Revoked {
			return true
		}
	}
	return false
}

// StartApplication creates a pending application.
func (s *State) StartApplication(productType, contextID string, now time.Time) *Application {
	app := &Application{
		Type:        productType,
		Permalink:   contextID,
		DateStarted: now,
	}
	s.PendingApplications = append(s.PendingApplications, app)
	if s.Contexts == nil {
		s.Contexts = map[string]*Context{}
	}
	if _, ok := s.Contexts[contextID]; !ok {
		s.Contexts[contextID] = &Context{}
	}
	return app
}

func (s *State) removePending(app *Application) {
	for i, a := range s.PendingApplications {
		if a == app || a.Permalink == app.Permalink {
			s.PendingApplications = append(s.PendingApplications[:i], s.PendingApplications[i+1:]...)
			return
		}
	}
}

// ResolveApproved moves a pending application into products.
func (s *State) ResolveApproved(app *Application, now time.Time) {
	s.removePending(app)
	t := now
	app.DateResolved = &t
	if s.Products == nil {
		s.Products = map[string][]*Application{}
	}
	s.Products[app.Type] = append(s.Products[app.Type], app)
}

// ResolveDenied moves a pending application into denials.
func (s *State) ResolveDenied(app *Application, now time.Time) {
	s.removePending(app)
	t := now
	app.DateResolved = &t
	if s.Denials == nil {
		s.Denials = map[string][]*Application{}
	}
	s.Denials[app.Type] = append(s.Denials[app.Type], app)
}

// UpsertProductlessForm merges a form received outside any application.
func (s *State) UpsertProductlessForm(incoming FormState) (*FormState, bool) {
	return upsertForm(&s.Forms, incoming)
}

// RememberPrefill caches the latest body for a form type.
func (s *State) RememberPrefill(f *FormState) {
	if len(f.Body) == 0 {
		return
	}
	if s.Prefilled == nil {
		s.Prefilled = map[string]Prefill{}
	}
	s.Prefilled[f.Type] = Prefill{
		Type:      f.Type,
		Link:      f.Link,
		Permalink: f.Permalink,
		Body:      f.Body,
		Date:      f.DateReceived,
	}
}

// RecentPrefill returns a cached form body newer than maxAge, if any.
func (s *State) RecentPrefill(formType string, maxAge time.Duration, now time.Time) (Prefill, bool) {
	p, ok := s.Prefilled[formType]
	if !ok || len(p.Body) == 0 {
		return Prefill{}, false
	}
	if now.Sub(p.Date) > maxAge {
		return Prefill{}, false
	}
	return p, true
}
