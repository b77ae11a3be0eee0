package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ErrWalletNotFound is returned when the wallet service has no wallet for a user.
var ErrWalletNotFound = errors.New("balance: wallet not found")

// WalletSource supplies the authoritative balance used to warm the cache.
type WalletSource interface {
	FetchBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// StaticWallet gives every user the same balance. For development only.
type StaticWallet struct {
	Amount decimal.Decimal
}

func (w StaticWallet) FetchBalance(context.Context, string) (decimal.Decimal, error) {
	return w.Amount, nil
}

// HTTPWallet reads balances from the wallet service's REST API.
type HTTPWallet struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWallet creates a wallet client; timeout bounds each request.
func NewHTTPWallet(baseURL string, timeout time.Duration) *HTTPWallet {
	return &HTTPWallet{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type walletResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		UserID   string          `json:"userId"`
		Balance  decimal.Decimal `json:"balance"`
		Currency string          `json:"currency"`
	} `json:"data"`
}

// FetchBalance calls GET {base}/api/wallet/users/{userID}.
func (w *HTTPWallet) FetchBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/api/wallet/users/%s", w.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallet request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, ErrWalletNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("wallet service returned %d", resp.StatusCode)
	}

	var body walletResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode wallet response: %w", err)
	}
	if !body.Success || body.Data == nil {
		return decimal.Zero, ErrWalletNotFound
	}
	if body.Data.Balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("wallet balance for %s is negative", userID)
	}
	return body.Data.Balance, nil
}
