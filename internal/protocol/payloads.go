package protocol

import "encoding/json"

// IdentityPublishRequest asks the bank to anchor a counterparty identity.
type IdentityPublishRequest struct {
	Identity json.RawMessage `json:"identity"`
}

// IdentityPublished confirms an anchored identity, or reports that the
// same identity was already published.
type IdentityPublished struct {
	IdentityLink string `json:"identityLink"`
	Republished  bool   `json:"republished,omitempty"`
}

// SelfIntroduction carries the counterparty's profile.
type SelfIntroduction struct {
	Name     string          `json:"name,omitempty"`
	Message  string          `json:"message,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
	Identity json.RawMessage `json:"identity,omitempty"`
}

// ProductApplication opens (or continues) an application for a product type.
type ProductApplication struct {
	Product string `json:"product"`
}

// FormRequest asks the counterparty for one missing form.
type FormRequest struct {
	Form    string          `json:"form"`
	Product string          `json:"product,omitempty"`
	Message string          `json:"message,omitempty"`
	Prefill json.RawMessage `json:"prefill,omitempty"`
}

// NextFormRequest is the counterparty asking what comes next, optionally
// marking a multi-entry form as done.
type NextFormRequest struct {
	After string `json:"after,omitempty"`
}

// FieldError describes a single failed form field.
type FieldError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// FormError asks for a corrected resubmission of a form.
type FormError struct {
	Form    string          `json:"form"`
	Errors  []FieldError    `json:"errors,omitempty"`
	Message string          `json:"message,omitempty"`
	Prefill json.RawMessage `json:"prefill,omitempty"`
}

// Verification attests that a specific form document was reviewed.
type Verification struct {
	Document string          `json:"document"` // form link
	Form     string          `json:"form,omitempty"`
	Method   json.RawMessage `json:"method,omitempty"`
}

// Confirmation carries the certificate issued on product approval.
type Confirmation struct {
	Product     string          `json:"product"`
	Certificate json.RawMessage `json:"certificate,omitempty"`
	Message     string          `json:"message,omitempty"`
	Revoked     bool            `json:"revoked,omitempty"`
}

// ApplicationDenial resolves a pending application negatively.
type ApplicationDenial struct {
	Application string `json:"application"` // application context id
	Product     string `json:"product,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ShareContext grants or revokes an observer on an application context.
type ShareContext struct {
	Context string `json:"context"`
	With    string `json:"with"`
	Revoked bool   `json:"revoked,omitempty"`
}

// ConfirmPackageRequest asks the counterparty to co-sign an imported
// remediation bundle in bulk.
type ConfirmPackageRequest struct {
	Session string     `json:"session"`
	Items   []Envelope `json:"items"`
	Message string     `json:"message,omitempty"`
}

// ConfirmPackageResponse accepts or rejects an import bundle.
type ConfirmPackageResponse struct {
	Session  string `json:"session"`
	Accepted bool   `json:"accepted"`
}

// SimpleMessage is free-form chat, also used for operator notices.
type SimpleMessage struct {
	Message string `json:"message"`
}
