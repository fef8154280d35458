package faucetpay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/radieske/coin-settlement/internal/provider"
	"github.com/radieske/coin-settlement/internal/shared/metrics"
)

// StatusInvalidAddress é o status que o FaucetPay usa para endereço/usuário inexistente
const StatusInvalidAddress = 456

const maxBody = 1 << 20

// Client implementa provider.Client sobre a API v1 do FaucetPay (POST form-encoded com api_key)
type Client struct {
	BaseURL  string
	APIKey   string
	Currency string // moeda usada na listagem de payouts
	HTTP     *http.Client

	metrics *metrics.Metrics
}

var _ provider.Client = (*Client)(nil)

func New(baseURL, apiKey, currency string, timeout time.Duration, m *metrics.Metrics) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		Currency: currency,
		HTTP:     &http.Client{Timeout: timeout},
		metrics:  m,
	}
}

// post envia o formulário e devolve status HTTP e corpo.
// Erro aqui sempre significa "sem resposta" e vem embrulhado em ErrIndeterminate.
func (c *Client) post(ctx context.Context, op, path string, form url.Values) (status int, body []byte, err error) {
	started := time.Now()
	defer func() { c.metrics.ObserveProviderCall(op, err, started) }()

	form.Set("api_key", c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: build %s request: %v", provider.ErrIndeterminate, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s: %v", provider.ErrIndeterminate, op, err)
	}
	defer res.Body.Close()

	body, err = io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("%w: read %s response: %v", provider.ErrIndeterminate, op, err)
	}
	return res.StatusCode, body, nil
}

func is2xx(code int) bool { return code >= 200 && code < 300 }

// failureMessage extrai a mensagem de um corpo de erro, se houver
func failureMessage(httpStatus int, body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return fmt.Sprintf("provider http %d", httpStatus)
}

func (c *Client) ValidateRecipient(ctx context.Context, address, currency string) (bool, error) {
	form := url.Values{}
	form.Set("address", address)
	form.Set("currency", currency)

	code, body, err := c.post(ctx, "checkaddress", "/checkaddress", form)
	if err != nil {
		return false, err
	}
	if !is2xx(code) {
		return false, fmt.Errorf("checkaddress: %s", failureMessage(code, body))
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, fmt.Errorf("%w: decode checkaddress: %v", provider.ErrIndeterminate, err)
	}
	switch env.Status {
	case http.StatusOK:
		return true, nil
	case StatusInvalidAddress:
		return false, nil
	default:
		return false, fmt.Errorf("checkaddress: status %d: %s", env.Status, env.Message)
	}
}

func (c *Client) ProviderBalance(ctx context.Context, currency string) (int64, error) {
	form := url.Values{}
	form.Set("currency", currency)

	code, body, err := c.post(ctx, "getbalance", "/getbalance", form)
	if err != nil {
		return 0, err
	}
	if !is2xx(code) {
		return 0, fmt.Errorf("getbalance: %s", failureMessage(code, body))
	}
	var out balanceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("%w: decode getbalance: %v", provider.ErrIndeterminate, err)
	}
	if out.Status != http.StatusOK {
		return 0, fmt.Errorf("getbalance: status %d: %s", out.Status, out.Message)
	}
	return int64(out.Balance), nil
}

// SendPayout: resposta não-2xx ou status explícito != 200 é rejeição definitiva (Succeeded=false, erro nil).
// Sem resposta, ou 2xx ilegível ou sem status, devolve ErrIndeterminate.
func (c *Client) SendPayout(ctx context.Context, address string, amountMinor int64, currency string) (provider.PayoutResult, error) {
	form := url.Values{}
	form.Set("to", address)
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	form.Set("currency", currency)

	code, body, err := c.post(ctx, "send", "/send", form)
	if err != nil {
		return provider.PayoutResult{}, err
	}
	if !is2xx(code) {
		return provider.PayoutResult{Succeeded: false, Message: failureMessage(code, body)}, nil
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return provider.PayoutResult{}, fmt.Errorf("%w: decode send: %v", provider.ErrIndeterminate, err)
	}
	// sem status explícito não dá para afirmar que o envio falhou
	if out.Status == 0 {
		return provider.PayoutResult{}, fmt.Errorf("%w: send response without status", provider.ErrIndeterminate)
	}
	if out.Status != http.StatusOK {
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("provider status %d", out.Status)
		}
		return provider.PayoutResult{Succeeded: false, Message: msg}, nil
	}
	if out.PayoutID == "" {
		return provider.PayoutResult{}, fmt.Errorf("%w: send succeeded without payout_id", provider.ErrIndeterminate)
	}
	return provider.PayoutResult{ProviderTxID: string(out.PayoutID), Succeeded: true, Message: out.Message}, nil
}

func (c *Client) RecentPayouts(ctx context.Context, count int) ([]provider.Payout, error) {
	form := url.Values{}
	form.Set("count", strconv.Itoa(count))
	form.Set("currency", c.Currency)

	code, body, err := c.post(ctx, "payouts", "/payouts", form)
	if err != nil {
		return nil, err
	}
	if !is2xx(code) {
		return nil, fmt.Errorf("payouts: %s", failureMessage(code, body))
	}
	var out payoutsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode payouts: %v", provider.ErrIndeterminate, err)
	}
	if out.Status != http.StatusOK {
		return nil, fmt.Errorf("payouts: status %d: %s", out.Status, out.Message)
	}

	payouts := make([]provider.Payout, 0, len(out.Rewards))
	for _, r := range out.Rewards {
		currency := r.Currency
		if currency == "" {
			currency = c.Currency
		}
		payouts = append(payouts, provider.Payout{
			ProviderTxID: string(r.ID),
			To:           r.To,
			From:         r.From,
			Memo:         r.Memo,
			AmountMinor:  int64(r.Amount),
			Currency:     currency,
			CreatedAt:    parseDate(r.Date),
		})
	}
	return payouts, nil
}

func (c *Client) FaucetList(ctx context.Context, currency string) ([]provider.Faucet, error) {
	form := url.Values{}
	form.Set("currency", currency)

	code, body, err := c.post(ctx, "faucetlist", "/faucetlist", form)
	if err != nil {
		return nil, err
	}
	if !is2xx(code) {
		return nil, fmt.Errorf("faucetlist: %s", failureMessage(code, body))
	}
	var out faucetListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode faucetlist: %v", provider.ErrIndeterminate, err)
	}
	if out.Status != http.StatusOK {
		return nil, fmt.Errorf("faucetlist: status %d: %s", out.Status, out.Message)
	}
	return out.Faucets, nil
}

// parseDate aceita o formato "2006-01-02 15:04:05" (UTC) do provedor e RFC3339
func parseDate(s string) time.Time {
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
