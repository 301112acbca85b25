// Package chain предоставляет клиент внешнего шлюза блокчейн-сети:
// отправку исходящих переводов и опрос их подтверждения.
package chain

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

// ErrTransferRejected возвращается, когда шлюз окончательно отклонил перевод
// (например, сумма ниже минимального депозита получателя). Повторная отправка
// того же перевода бессмысленна.
var ErrTransferRejected = errors.New("transfer rejected by chain gateway")

// TransferStatus описывает состояние исходящего перевода в сети.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusConfirmed TransferStatus = "CONFIRMED"
	TransferStatusFailed    TransferStatus = "FAILED"
)

// TransferRequest описывает исходящий перевод из пула средств системы.
type TransferRequest struct {
	ToAddress string            `json:"toAddress"`
	Amount    int64             `json:"amount"`
	Asset     string            `json:"asset"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type transferResponse struct {
	TxID string `json:"txId"`
}

type statusResponse struct {
	TxID   string         `json:"txId"`
	Status TransferStatus `json:"status"`
}

// Client инкапсулирует HTTP-взаимодействие со шлюзом сети.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент шлюза сети по указанному адресу.
// Сетевые сбои ретраятся на HTTP-уровне; бизнес-отказы шлюза — нет.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// SubmitTransfer отправляет исходящий перевод и возвращает идентификатор
// транзакции в сети. Окончательный отказ шлюза возвращает ErrTransferRejected.
func (c *Client) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("chain client not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal transfer: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/transfers"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "", ErrTransferRejected
	default:
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.TxID == "" {
		return "", fmt.Errorf("empty txId in response")
	}

	return result.TxID, nil
}

// GetTransferStatus запрашивает состояние ранее отправленного перевода.
func (c *Client) GetTransferStatus(ctx context.Context, txID string) (TransferStatus, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("chain client not configured")
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/transfers/"+txID), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return TransferStatusFailed, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return result.Status, nil
}
