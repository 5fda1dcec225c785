package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient speaks JSON over HTTP to the ledger service.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

func NewHTTPClient(endpoint string, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

type transferPayload struct {
	To             string `json:"to"`
	Amount         uint64 `json:"amount"`
	Memo           string `json:"memo,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedAtUnix  int64  `json:"created_at_unix"`
}

type transferResponse struct {
	Reference    string `json:"reference"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Code         int    `json:"code"`
}

func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	body, err := json.Marshal(transferPayload{
		To:             req.To,
		Amount:         req.Amount,
		Memo:           req.Memo,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAtUnix:  req.CreatedAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("ledger: marshal transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ledger: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Transport-level trouble is indistinguishable from an outage.
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ledger: decode response: %w", err)
	}

	if resp.StatusCode == http.StatusOK && out.Reference != "" {
		return out.Reference, nil
	}

	c.log.Warn().
		Int("status", resp.StatusCode).
		Str("error_code", out.ErrorCode).
		Msg("ledger transfer rejected")

	switch out.ErrorCode {
	case "insufficient_funds":
		return "", ErrInsufficientFunds
	case "too_old":
		return "", ErrStaleRequest
	case "created_in_future":
		return "", ErrFutureDated
	case "duplicate":
		return "", ErrDuplicate
	case "temporarily_unavailable":
		return "", ErrUnavailable
	default:
		return "", &Error{Code: out.Code, Message: out.ErrorMessage}
	}
}
