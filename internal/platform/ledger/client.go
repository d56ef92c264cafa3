// Package ledger is the gateway client for the ledger network: account
// lookup and transaction submission over REST, fills and liquidity over a
// WebSocket stream.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/crypto"
	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// Result codes the gateway returns for rejected transactions.
const (
	codeBadSeq              = "tx_bad_seq"
	codeInsufficientBalance = "tx_insufficient_balance"
	codeUnderfunded         = "op_underfunded"
	codeLowReserve          = "op_low_reserve"
	codeLineFull            = "op_line_full"
	codeUnderDestMin        = "op_under_dest_min"
	codeTooFewOffers        = "op_too_few_offers"
)

// Client implements domain.LedgerGateway.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	dialer     dialer
}

// NewClient creates a gateway client.
//
// baseURL is the REST root, e.g. "https://gateway.example.org"; wsURL is
// the stream endpoint, e.g. "wss://gateway.example.org/stream". auth may be
// nil for unauthenticated gateways.
func NewClient(baseURL, wsURL string, timeout time.Duration, auth *crypto.HMACAuth) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		wsURL:   wsURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		auth:   auth,
		dialer: defaultDialer(),
	}
}

// GetAccount fetches the account's sequence, balances and reserve.
func (c *Client) GetAccount(ctx context.Context, address string) (domain.Account, error) {
	const op = "ledger: get account"
	body, err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(address), nil)
	if err != nil {
		return domain.Account{}, classify(op, err)
	}
	var apiAcct APIAccount
	if err := json.Unmarshal(body, &apiAcct); err != nil {
		return domain.Account{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	acct, err := apiAcct.ToDomain()
	if err != nil {
		return domain.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return acct, nil
}

// SubmitTransaction posts a signed transaction and waits for it to be
// applied or rejected.
func (c *Client) SubmitTransaction(ctx context.Context, tx domain.SignedTransaction) (domain.SubmitResult, error) {
	const op = "ledger: submit transaction"
	req := APISubmitRequest{
		Tx:        tx.Tx,
		KeyID:     tx.KeyID,
		Hash:      tx.Hash,
		Signature: tx.Signature,
	}
	body, err := c.do(ctx, http.MethodPost, "/transactions", req)
	if err != nil {
		return domain.SubmitResult{}, classify(op, err)
	}
	var resp APISubmitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	return resp.ToDomain(), nil
}

// GetTransaction fetches an applied transaction by hash. An unknown hash
// yields an error matching domain.ErrNotFound.
func (c *Client) GetTransaction(ctx context.Context, hash string) (domain.SubmitResult, error) {
	const op = "ledger: get transaction"
	body, err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(hash), nil)
	if err != nil {
		return domain.SubmitResult{}, classify(op, err)
	}
	var resp APISubmitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	return resp.ToDomain(), nil
}

// httpError carries a non-2xx response to classify.
type httpError struct {
	status int
	body   []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, truncate(e.body, 256))
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, string(raw)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{status: resp.StatusCode, body: respBody}
	}
	return respBody, nil
}

// classify maps transport failures and gateway responses onto error kinds.
// The caller's own cancellation is passed through unclassified.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var he *httpError
	if !errors.As(err, &he) {
		var ne net.Error
		if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
			return domain.E(domain.KindNetworkTimeout, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case he.status == http.StatusNotFound:
		return domain.E(domain.KindGatewayRejected, op, fmt.Errorf("%w: %s", domain.ErrNotFound, truncate(he.body, 256)))
	case he.status == http.StatusTooManyRequests:
		return domain.E(domain.KindGatewayRejected, op, fmt.Errorf("%w: %s", domain.ErrRateLimited, truncate(he.body, 256)))
	case he.status == http.StatusRequestTimeout || he.status >= 500:
		return domain.E(domain.KindNetworkTimeout, op, he)
	case he.status == http.StatusBadRequest:
		var apiErr APIError
		if json.Unmarshal(he.body, &apiErr) == nil {
			return domain.E(kindForCodes(apiErr), op, fmt.Errorf("%s: %s %v",
				apiErr.Title, apiErr.Extras.ResultCodes.Transaction, apiErr.Extras.ResultCodes.Operations))
		}
		return domain.E(domain.KindGatewayRejected, op, he)
	default:
		return domain.E(domain.KindGatewayRejected, op, he)
	}
}

func kindForCodes(e APIError) domain.Kind {
	switch e.Extras.ResultCodes.Transaction {
	case codeBadSeq:
		return domain.KindSequenceCollision
	case codeInsufficientBalance:
		return domain.KindInsufficientBalanceOrReserve
	}
	for _, code := range e.Extras.ResultCodes.Operations {
		switch code {
		case codeUnderfunded, codeLowReserve, codeLineFull:
			return domain.KindInsufficientBalanceOrReserve
		case codeUnderDestMin, codeTooFewOffers:
			return domain.KindStaleOpportunity
		}
	}
	return domain.KindGatewayRejected
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
