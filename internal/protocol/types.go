package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// MessageType is the wire-level discriminator carried on every payload.
type MessageType string

const (
	TypeIdentityPublishRequest MessageType = "IDENTITY_PUBLISH_REQUEST"
	TypeIdentityPublished      MessageType = "IDENTITY_PUBLISHED"
	TypeSelfIntroduction       MessageType = "SELF_INTRODUCTION"
	TypeProductApplication     MessageType = "PRODUCT_APPLICATION"
	TypeNextFormRequest        MessageType = "NEXT_FORM_REQUEST"
	TypeFormRequest            MessageType = "FORM_REQUEST"
	TypeFormError              MessageType = "FORM_ERROR"
	TypeVerification           MessageType = "VERIFICATION"
	TypeConfirmation           MessageType = "CONFIRMATION"
	TypeApplicationDenial      MessageType = "APPLICATION_DENIAL"
	TypeApplicationRevocation  MessageType = "APPLICATION_REVOCATION"
	TypeForgetMe               MessageType = "FORGET_ME"
	TypeForgotYou              MessageType = "FORGOT_YOU"
	TypeShareContext           MessageType = "SHARE_CONTEXT"
	TypeConfirmPackageRequest  MessageType = "CONFIRM_PACKAGE_REQUEST"
	TypeConfirmPackageResponse MessageType = "CONFIRM_PACKAGE_RESPONSE"
	TypeSimpleMessage          MessageType = "SIMPLE_MESSAGE"
)

var controlTypes = map[MessageType]struct{}{
	TypeIdentityPublishRequest: {},
	TypeIdentityPublished:      {},
	TypeSelfIntroduction:       {},
	TypeProductApplication:     {},
	TypeNextFormRequest:        {},
	TypeFormRequest:            {},
	TypeFormError:              {},
	TypeVerification:           {},
	TypeConfirmation:           {},
	TypeApplicationDenial:      {},
	TypeApplicationRevocation:  {},
	TypeForgetMe:               {},
	TypeForgotYou:              {},
	TypeShareContext:           {},
	TypeConfirmPackageRequest:  {},
	TypeConfirmPackageResponse: {},
	TypeSimpleMessage:          {},
}

// IsControl reports whether t belongs to the fixed protocol vocabulary.
// Anything else is treated as a form document type and resolved against
// the model tables.
func IsControl(t MessageType) bool {
	_, ok := controlTypes[t]
	return ok
}

// Envelope is the signed, typed message exchanged with counterparties.
// Author is derived from the public key during verification and never
// travels on the wire as part of the signed payload.
type Envelope struct {
	Type      MessageType     `json:"_t"`
	Link      string          `json:"_link,omitempty"`
	Permalink string          `json:"_permalink,omitempty"`
	Author    string          `json:"_author,omitempty"`
	Context   string          `json:"context,omitempty"`
	Forward   string          `json:"forward,omitempty"`
	Timestamp time.Time       `json:"time"`
	Object    json.RawMessage `json:"object,omitempty"`
	PublicKey string          `json:"_pub"` // base64 raw ed25519 public key
	Signature string          `json:"_sig"` // base64 raw signature
}

type envelopeSignable struct {
	Type      MessageType     `json:"_t"`
	Permalink string          `json:"_permalink,omitempty"`
	Context   string          `json:"context,omitempty"`
	Forward   string          `json:"forward,omitempty"`
	Timestamp time.Time       `json:"time"`
	Object    json.RawMessage `json:"object,omitempty"`
	PublicKey string          `json:"_pub"`
}

// CanonicalBytes returns the deterministic signing payload.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	signable := envelopeSignable{
		Type:      e.Type,
		Permalink: strings.TrimSpace(e.Permalink),
		Context:   strings.TrimSpace(e.Context),
		Forward:   strings.TrimSpace(e.Forward),
		Timestamp: e.Timestamp.UTC(),
		Object:    e.Object,
		PublicKey: strings.TrimSpace(e.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable envelope fields.
func (e Envelope) ValidateBasic() error {
	if strings.TrimSpace(string(e.Type)) == "" {
		return errors.New("_t discriminator is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("time is required")
	}
	if strings.TrimSpace(e.PublicKey) == "" {
		return errors.New("_pub is required")
	}
	if strings.TrimSpace(e.Signature) == "" {
		return errors.New("_sig is required")
	}
	return nil
}

// Sign sets the envelope public key, signature, link and permalink for the
// given private key. The link is the hash of the signed bytes; the permalink
// defaults to the link for a first version and is preserved on updates.
func (e *Envelope) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	e.Link = hashLink(payload, sig)
	if strings.TrimSpace(e.Permalink) == "" {
		e.Permalink = e.Link
	}
	e.Author = IdentityPermalink(e.PublicKey)
	return nil
}

// Verify validates the envelope signature using the included public key
// and stamps Author and Link from the verified material.
func (e *Envelope) Verify() error {
	if err := e.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid _pub: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid _pub size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.Signature))
	if err != nil {
		return fmt.Errorf("invalid _sig: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid _sig size")
	}
	payload, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	e.Author = IdentityPermalink(e.PublicKey)
	e.Link = hashLink(payload, sigRaw)
	if strings.TrimSpace(e.Permalink) == "" {
		e.Permalink = e.Link
	}
	return nil
}

// Signed reports whether the envelope already carries a signature.
func (e Envelope) Signed() bool {
	return strings.TrimSpace(e.Signature) != ""
}

func hashLink(payload, sig []byte) string {
	h := sha256.New()
	h.Write(payload)
	h.Write(sig)
	return base58.Encode(h.Sum(nil))
}

// IdentityPermalink derives the stable identity id for a base64 public key.
func IdentityPermalink(publicKeyB64 string) string {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return base58.Encode(sum[:])
}

// DecodePayload decodes typed message objects.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
