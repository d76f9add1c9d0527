// Package processor предоставляет клиент для внешнего платёжного провайдера.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrOutcomeUnknown возвращается, когда исход операции неизвестен: таймаут,
// сетевая ошибка или 5xx провайдера. Такой исход нельзя трактовать ни как успех,
// ни как отказ — его разрешает воркер сверки.
var ErrOutcomeUnknown = errors.New("processor outcome unknown")

// ErrNotFound возвращается, если провайдер ещё не знает операцию с таким ключом.
var ErrNotFound = errors.New("operation not found")

// OpStatus описывает статус операции у провайдера.
type OpStatus string

const (
	OpStatusProcessing OpStatus = "processing"
	OpStatusCompleted  OpStatus = "completed"
	OpStatusFailed     OpStatus = "failed"
)

// Result описывает итог денежной операции у провайдера.
type Result struct {
	TransactionID string   `json:"transaction_id"`
	Status        OpStatus `json:"status"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
// Мутирующие запросы идут без транспортных ретраев (их безопасность обеспечивает
// ключ идемпотентности на уровне сервиса), идемпотентные GET — через retryablehttp.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getClient  *http.Client
}

// NewClient создаёт клиент платёжного шлюза по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		getClient: rc.StandardClient(),
	}
}

type captureRequest struct {
	Amount         int64  `json:"amount"`
	PayerRef       string `json:"payer_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Capture запрашивает списание средств с заказчика (удержание в эскроу).
func (c *Client) Capture(ctx context.Context, amount int64, payerRef, idempotencyKey string) (*Result, error) {
	body := captureRequest{
		Amount:         amount,
		PayerRef:       payerRef,
		IdempotencyKey: idempotencyKey,
	}
	return c.postOperation(ctx, "/api/captures", body)
}

type transferRequest struct {
	Amount         int64  `json:"amount"`
	PayeeRef       string `json:"payee_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Transfer запрашивает перевод средств на выплатной счёт исполнителя.
func (c *Client) Transfer(ctx context.Context, amount int64, payeeRef, idempotencyKey string) (*Result, error) {
	body := transferRequest{
		Amount:         amount,
		PayeeRef:       payeeRef,
		IdempotencyKey: idempotencyKey,
	}
	return c.postOperation(ctx, "/api/transfers", body)
}

type refundRequest struct {
	TransactionID  string `json:"transaction_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Refund запрашивает возврат ранее списанных средств по идентификатору транзакции.
func (c *Client) Refund(ctx context.Context, transactionID, idempotencyKey string) (*Result, error) {
	body := refundRequest{
		TransactionID:  transactionID,
		IdempotencyKey: idempotencyKey,
	}
	return c.postOperation(ctx, "/api/refunds", body)
}

func (c *Client) postOperation(ctx context.Context, path string, body any) (*Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("processor client not configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Сетевая ошибка или таймаут: операция могла пройти на стороне провайдера.
		return nil, fmt.Errorf("%w: %s", ErrOutcomeUnknown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &result, nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		// Определённый отказ провайдера.
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			result = Result{}
		}
		result.Status = OpStatusFailed
		return &result, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrOutcomeUnknown, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

// ConnectAccountStatus возвращает состояние выплатного счёта исполнителя.
func (c *Client) ConnectAccountStatus(ctx context.Context, payeeRef string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("processor client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/accounts/"+payeeRef), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.getClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("account status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return payload.Status, nil
}

// OperationStatus опрашивает ленту статусов провайдера по идентификатору транзакции
// или ключу идемпотентности. Возвращает ErrNotFound, если провайдер операцию не знает.
func (c *Client) OperationStatus(ctx context.Context, key string) (*Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("processor client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/operations/"+key), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.getClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("operation status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}
