package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sealer queues a durability/anchoring request for a document link.
type Sealer interface {
	Seal(ctx context.Context, link string) error
}

// LogSealer records seals in the log only. Used in dev and tests.
type LogSealer struct {
	logger zerolog.Logger

	mu    sync.Mutex
	links []string
}

func NewLogSealer(logger zerolog.Logger) *LogSealer {
	return &LogSealer{logger: logger.With().Str("service", "sealer").Logger()}
}

func (s *LogSealer) Seal(ctx context.Context, link string) error {
	s.mu.Lock()
	s.links = append(s.links, link)
	s.mu.Unlock()
	s.logger.Info().Str("link", link).Msg("seal recorded")
	return nil
}

// Sealed returns the links sealed so far.
func (s *LogSealer) Sealed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.links...)
}

// LedgerClient submits seals to an anchor node over HTTP.
type LedgerClient struct {
	baseURL string
	source  string
	client  *http.Client
}

func NewLedgerClient(baseURL, source string) *LedgerClient {
	return &LedgerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		source:  source,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *LedgerClient) Seal(ctx context.Context, link string) error {
	body, err := json.Marshal(SealEntry{Link: link, Source: c.source, SealedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/seals", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit seal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anchor node rejected seal: status %d", resp.StatusCode)
	}
	return nil
}

// Queue decouples sealing from the reply path. Seal never blocks beyond a
// buffered enqueue; failures are logged, not surfaced.
type Queue struct {
	inner  Sealer
	logger zerolog.Logger
	jobs   chan string
	wg     sync.WaitGroup
	once   sync.Once
}

func NewQueue(inner Sealer, logger zerolog.Logger) *Queue {
	q := &Queue{
		inner:  inner,
		logger: logger.With().Str("service", "seal-queue").Logger(),
		jobs:   make(chan string, 256),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for link := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := q.inner.Seal(ctx, link); err != nil {
			q.logger.Error().Err(err).Str("link", link).Msg("seal request failed")
		}
		cancel()
	}
}

// Seal enqueues the link. A full queue drops the request with a log line
// rather than stalling message processing.
func (q *Queue) Seal(ctx context.Context, link string) error {
	select {
	case q.jobs <- link:
	default:
		q.logger.Warn().Str("link", link).Msg("seal queue full, dropping request")
	}
	return nil
}

// Close drains outstanding seals and stops the worker.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.jobs)
	})
	q.wg.Wait()
}
