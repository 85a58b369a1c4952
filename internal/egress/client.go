package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/secil-uns/canary-sync/pkg/circuit"
	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
	"github.com/secil-uns/canary-sync/pkg/ratelimit"
)

const clientComponent = "egress_client"

// Outcome is the per-batch delivery result C11's `deliver` operation
// produces (§4.11).
type Outcome int

const (
	Delivered Outcome = iota
	DeadLettered
)

// Compression selects the outbound payload encoding (§4.11, §6
// `egress.compression`).
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ClientConfig bounds HTTP, retry and compression behavior (§4.11, §6
// `egress.*`).
type ClientConfig struct {
	WritePath        string
	RequestTimeout   time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	Compression      Compression
}

// Client composes the session manager (C9), dataset resolver (C10) and
// mapper (C8) into the outbound write, guarded by a circuit breaker and a
// token-bucket rate limiter (§4.11, §9: "the rate limiter sits inside the
// breaker").
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	baseURL  string
	session  *SessionManager
	resolver *DatasetResolver
	mapper   *Mapper
	breaker  *circuit.Breaker
	limiter  *ratelimit.Limiter
	logger   *logrus.Logger
	encoder  *zstd.Encoder
}

func NewClient(cfg ClientConfig, baseURL string, session *SessionManager, resolver *DatasetResolver, mapper *Mapper, breaker *circuit.Breaker, limiter *ratelimit.Limiter, logger *logrus.Logger) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:  baseURL,
		session:  session,
		resolver: resolver,
		mapper:   mapper,
		breaker:  breaker,
		limiter:  limiter,
		logger:   logger,
	}
	if cfg.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("constructing zstd encoder: %w", err)
		}
		c.encoder = enc
	}
	return c, nil
}

// Deliver runs the full C11 pipeline for one aggregated diff: dataset
// resolution, mapping, rate-limited and circuit-broken send, response
// classification (§4.11).
func (c *Client) Deliver(ctx context.Context, diff model.AggregatedDiff) (Outcome, error) {
	batches := c.mapper.Map([]model.AggregatedDiff{diff})
	var last Outcome = Delivered
	for _, batch := range batches {
		outcome, err := c.deliverBatch(ctx, batch)
		if err != nil {
			return outcome, err
		}
		last = outcome
	}
	return last, nil
}

func (c *Client) deliverBatch(ctx context.Context, batch Batch) (Outcome, error) {
	if !c.breaker.CanExecute() {
		return DeadLettered, pkgerrors.NewTransientNetwork(clientComponent, "deliver", "circuit breaker open")
	}

	dataset, err := c.resolveDataset(ctx, batch)
	if err != nil {
		return DeadLettered, err
	}

	token, err := c.session.EnsureSession(ctx)
	if err != nil {
		return DeadLettered, pkgerrors.Wrap(err, pkgerrors.TransientNetwork, clientComponent, "ensure_session", "failed to acquire session")
	}

	var sendErr error
	var classification classifyResult
	breakerErr := c.breaker.Execute(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		classification, sendErr = c.send(ctx, token, dataset, batch)
		return sendErr
	})

	if breakerErr != nil && sendErr == nil {
		return DeadLettered, breakerErr
	}

	switch classification.kind {
	case classifySuccess:
		c.session.MarkUsed()
		return Delivered, nil
	case classifyBadSession:
		c.session.OnBadSession()
		token, err := c.session.EnsureSession(ctx)
		if err != nil {
			return DeadLettered, err
		}
		retryClassification, retryErr := c.send(ctx, token, dataset, batch)
		if retryErr == nil && retryClassification.kind == classifySuccess {
			c.session.MarkUsed()
			return Delivered, nil
		}
		return DeadLettered, pkgerrors.NewSessionInvalid(clientComponent, "deliver", "session refresh retry failed")
	case classifyValidation:
		return DeadLettered, pkgerrors.NewValidation(clientComponent, "deliver", classification.message)
	case classifyDatasetNotFound:
		c.invalidateDataset(batch)
		return DeadLettered, pkgerrors.NewDatasetNotFound(clientComponent, "deliver", classification.message)
	default:
		return DeadLettered, pkgerrors.NewTransientNetwork(clientComponent, "deliver", classification.message)
	}
}

// resolveDataset resolves the historian dataset containing each canary id
// in the batch (C10, §4.11 step 2: "resolve dataset for each path, cached
// per path"). Deliver always maps exactly one AggregatedDiff, so a batch
// carries a single canary id in practice; resolving every one here still
// covers the general case without assuming that.
func (c *Client) resolveDataset(ctx context.Context, batch Batch) (string, error) {
	var dataset string
	for canaryID := range batch.Properties {
		resolved, err := c.resolver.Resolve(ctx, canaryID)
		if err != nil {
			return "", pkgerrors.Wrap(err, pkgerrors.DatasetNotFound, clientComponent, "resolve_dataset", "dataset resolution failed")
		}
		dataset = resolved
	}
	return dataset, nil
}

func (c *Client) invalidateDataset(batch Batch) {
	for canaryID := range batch.Properties {
		c.resolver.Invalidate(canaryID)
	}
}

// send performs one HTTP attempt, with capped full-jitter exponential
// backoff retries for retriable classifications (§4.11 point 5-6, §9
// "429 or 5xx or network → retriable").
func (c *Client) send(ctx context.Context, token, dataset string, batch Batch) (classifyResult, error) {
	payload, err := c.encodePayload(token, dataset, batch)
	if err != nil {
		return classifyResult{}, err
	}

	delay := c.cfg.RetryBaseDelay
	var lastClassification classifyResult
	var lastErr error

	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		classification, err := c.attempt(reqCtx, payload)
		cancel()

		lastClassification, lastErr = classification, err
		if err == nil || !classification.retriable {
			return classification, err
		}

		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return classification, ctx.Err()
		case <-time.After(jitter):
		}
		delay *= 2
		if delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
	}

	return lastClassification, lastErr
}

func (c *Client) encodePayload(token, dataset string, batch Batch) ([]byte, error) {
	wire := struct {
		SessionToken string                `json:"sessionToken"`
		Dataset      string                `json:"dataset"`
		Properties   map[string][]TagWrite `json:"properties"`
	}{SessionToken: token, Dataset: dataset, Properties: batch.Properties}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling egress payload: %w", err)
	}
	if c.cfg.Compression == CompressionZstd && c.encoder != nil {
		return c.encoder.EncodeAll(data, nil), nil
	}
	return data, nil
}

type classifyKind int

const (
	classifySuccess classifyKind = iota
	classifyValidation
	classifyBadSession
	classifyDatasetNotFound
	classifyRetriable
)

type classifyResult struct {
	kind      classifyKind
	retriable bool
	message   string
}

func (c *Client) attempt(ctx context.Context, payload []byte) (classifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.cfg.WritePath, bytes.NewReader(payload))
	if err != nil {
		return classifyResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Compression == CompressionZstd {
		req.Header.Set("Content-Encoding", "zstd")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyResult{kind: classifyRetriable, retriable: true, message: err.Error()}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return classifyResponse(resp.StatusCode, string(body))
}

// classifyResponse implements §4.11's response-classification table,
// grounded on the teacher's `classifyLokiError` (400 → permanent, 429 →
// retriable-with-backoff, 5xx → retriable, network/0 → retriable),
// extended with the historian's BadSessionToken/DatasetNotFound signals.
func classifyResponse(statusCode int, body string) (classifyResult, error) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return classifyResult{kind: classifySuccess}, nil
	case statusCode == 401 || containsBadSessionSignal(body):
		return classifyResult{kind: classifyBadSession}, fmt.Errorf("bad session token")
	case containsDatasetNotFoundSignal(body):
		return classifyResult{kind: classifyDatasetNotFound}, fmt.Errorf("dataset not found")
	case statusCode >= 400 && statusCode < 500 && statusCode != 429:
		return classifyResult{kind: classifyValidation, message: body}, fmt.Errorf("validation error: %s", body)
	case statusCode == 429 || statusCode >= 500:
		return classifyResult{kind: classifyRetriable, retriable: true, message: body}, fmt.Errorf("retriable status %d: %s", statusCode, body)
	default:
		return classifyResult{kind: classifyRetriable, retriable: true, message: body}, fmt.Errorf("unexpected status %d: %s", statusCode, body)
	}
}

func containsBadSessionSignal(body string) bool {
	return bytes.Contains([]byte(body), []byte("BadSessionToken")) || bytes.Contains([]byte(body), []byte("SessionInvalid"))
}

func containsDatasetNotFoundSignal(body string) bool {
	return bytes.Contains([]byte(body), []byte("DatasetNotFound"))
}
