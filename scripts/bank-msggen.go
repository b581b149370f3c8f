// Command bank-msggen builds a signed customer envelope for manual
// testing. It prints the envelope JSON to stdout, or posts it to a
// running bank when -endpoint is set.
package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

type options struct {
	op         string
	contextID  string
	timestamp  string
	privateKey string
	endpoint   string
	sync       bool

	product string
	form    string
	body    string
	message string
	after   string
	session string
}

func main() {
	var opt options

	flag.StringVar(&opt.op, "op", "", "operation: self-intro|identity-publish|apply|form|next-form|message|forget-me")
	flag.StringVar(&opt.contextID, "context", "", "application context permalink")
	flag.StringVar(&opt.timestamp, "timestamp", "", "RFC3339 timestamp; default now UTC")
	flag.StringVar(&opt.privateKey, "private-key", "", "base64 private key (32-byte seed or 64-byte private key); default random")
	flag.StringVar(&opt.endpoint, "endpoint", "", "bank base URL; when set the envelope is posted to /v1/messages")
	flag.BoolVar(&opt.sync, "sync", false, "wait for outbound delivery when posting")

	flag.StringVar(&opt.product, "product", "CurrentAccount", "product model id for apply")
	flag.StringVar(&opt.form, "form", "", "form model id for form/next-form")
	flag.StringVar(&opt.body, "body", "", "form body JSON")
	flag.StringVar(&opt.message, "message", "hello", "text for self-intro/message")
	flag.StringVar(&opt.after, "after", "", "form id to mark done for next-form")
	flag.StringVar(&opt.session, "session", "", "import session id")
	flag.Parse()

	typ, payload, err := buildPayload(opt)
	if err != nil {
		log.Fatal(err)
	}

	privateKey, err := loadPrivateKey(opt.privateKey)
	if err != nil {
		log.Fatal(err)
	}
	ts, err := parseTimestamp(opt.timestamp)
	if err != nil {
		log.Fatal(err)
	}

	var raw json.RawMessage
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			log.Fatal(err)
		}
	}
	env := protocol.Envelope{
		Type:      typ,
		Context:   strings.TrimSpace(opt.contextID),
		Timestamp: ts,
		Object:    raw,
	}
	if err := env.Sign(privateKey); err != nil {
		log.Fatal(err)
	}

	out, err := json.Marshal(env)
	if err != nil {
		log.Fatal(err)
	}

	if opt.endpoint == "" {
		_, _ = os.Stdout.Write(out)
		return
	}
	if err := post(opt, out); err != nil {
		log.Fatal(err)
	}
}

func buildPayload(opt options) (protocol.MessageType, any, error) {
	switch strings.ToLower(strings.TrimSpace(opt.op)) {
	case "self-intro", "self_intro":
		return protocol.TypeSelfIntroduction, protocol.SelfIntroduction{Message: opt.message}, nil
	case "identity-publish", "identity_publish":
		return protocol.TypeIdentityPublishRequest, protocol.IdentityPublishRequest{
			Identity: json.RawMessage(`{}`),
		}, nil
	case "apply":
		return protocol.TypeProductApplication, protocol.ProductApplication{Product: opt.product}, nil
	case "form":
		form := strings.TrimSpace(opt.form)
		if form == "" {
			return "", nil, fmt.Errorf("form is required for -op form")
		}
		if opt.body == "" {
			return "", nil, fmt.Errorf("body is required for -op form")
		}
		var body json.RawMessage
		if err := json.Unmarshal([]byte(opt.body), &body); err != nil {
			return "", nil, fmt.Errorf("invalid body JSON: %w", err)
		}
		return protocol.MessageType(form), json.RawMessage(body), nil
	case "next-form", "next_form":
		return protocol.TypeNextFormRequest, protocol.NextFormRequest{After: opt.after}, nil
	case "message":
		return protocol.TypeSimpleMessage, protocol.SimpleMessage{Message: opt.message}, nil
	case "forget-me", "forget_me":
		return protocol.TypeForgetMe, nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported op: %q", opt.op)
	}
}

func post(opt options, body []byte) error {
	url := strings.TrimRight(opt.endpoint, "/") + "/v1/messages"
	if opt.sync {
		url += "?sync=true"
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(out)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bank returned status %d", resp.StatusCode)
	}
	return nil
}

func loadPrivateKey(raw string) (ed25519.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private-key base64: %w", err)
	}
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	default:
		return nil, fmt.Errorf("invalid private-key length: %d (expected 32 or 64 bytes)", len(decoded))
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts.UTC(), nil
}
