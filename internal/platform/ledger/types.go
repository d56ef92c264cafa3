package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// APIBalance is one balance line as returned by the gateway.
type APIBalance struct {
	Asset              string          `json:"asset"`
	Balance            decimal.Decimal `json:"balance"`
	SellingLiabilities decimal.Decimal `json:"selling_liabilities"`
}

// APIAccount is the account resource.
type APIAccount struct {
	Address  string          `json:"address"`
	Sequence string          `json:"sequence"`
	Balances []APIBalance    `json:"balances"`
	Reserve  decimal.Decimal `json:"reserve"`
}

// ToDomain converts the wire account, rejecting malformed sequences and
// assets rather than guessing.
func (a APIAccount) ToDomain() (domain.Account, error) {
	seq, err := strconv.ParseInt(a.Sequence, 10, 64)
	if err != nil {
		return domain.Account{}, fmt.Errorf("parse sequence %q: %w", a.Sequence, err)
	}
	out := domain.Account{
		Address:  a.Address,
		Sequence: seq,
		Reserve:  a.Reserve,
		Balances: make([]domain.Balance, 0, len(a.Balances)),
	}
	for _, b := range a.Balances {
		asset, err := domain.ParseAsset(b.Asset)
		if err != nil {
			return domain.Account{}, err
		}
		out.Balances = append(out.Balances, domain.Balance{
			Asset:       asset,
			Amount:      b.Balance,
			Liabilities: b.SellingLiabilities,
		})
	}
	return out, nil
}

// APISubmitRequest is the transaction envelope posted to /transactions.
type APISubmitRequest struct {
	Tx        domain.Transaction `json:"tx"`
	KeyID     string             `json:"key_id"`
	Hash      string             `json:"hash"`
	Signature string             `json:"signature"`
}

// APISubmitResponse is the success body of /transactions.
type APISubmitResponse struct {
	Successful bool          `json:"successful"`
	Hash       string        `json:"hash"`
	Ledger     int64         `json:"ledger"`
	OfferIDs   []string      `json:"offer_ids"`
	Fills      []FillMessage `json:"fills"` // trades executed on application
}

func (r APISubmitResponse) ToDomain() domain.SubmitResult {
	res := domain.SubmitResult{
		Success:     r.Successful,
		LedgerID:    strconv.FormatInt(r.Ledger, 10),
		ExternalIDs: r.OfferIDs,
	}
	for _, f := range r.Fills {
		res.Fills = append(res.Fills, f.ToDomain())
	}
	return res
}

// APIError is the problem body returned for rejected transactions.
type APIError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Extras struct {
		ResultCodes struct {
			Transaction string   `json:"transaction"`
			Operations  []string `json:"operations"`
		} `json:"result_codes"`
	} `json:"extras"`
}

// wsCommand is sent to subscribe to a stream channel.
type wsCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Account string   `json:"account,omitempty"`
	Pairs   []string `json:"pairs,omitempty"`
}

// wsEnvelope wraps every stream message.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// FillMessage is a trade against one of the account's offers.
type FillMessage struct {
	OfferID   string          `json:"offer_id"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"ts"` // unix millis
}

func (m FillMessage) ToDomain() domain.FillEvent {
	return domain.FillEvent{
		ExternalID: m.OfferID,
		Amount:     m.Amount,
		Price:      m.Price,
		Timestamp:  time.UnixMilli(m.Timestamp).UTC(),
	}
}

// LiquidityMessage is a top-of-book observation for one directed pair.
type LiquidityMessage struct {
	Selling   string  `json:"selling"`
	Buying    string  `json:"buying"`
	Rate      float64 `json:"rate"`
	Liquidity float64 `json:"liquidity"`
	Timestamp int64   `json:"ts"`
}

func (m LiquidityMessage) ToDomain() (domain.LiquiditySnapshot, error) {
	selling, err := domain.ParseAsset(m.Selling)
	if err != nil {
		return domain.LiquiditySnapshot{}, err
	}
	buying, err := domain.ParseAsset(m.Buying)
	if err != nil {
		return domain.LiquiditySnapshot{}, err
	}
	return domain.LiquiditySnapshot{
		Selling:    selling,
		Buying:     buying,
		Rate:       m.Rate,
		Liquidity:  m.Liquidity,
		ObservedAt: time.UnixMilli(m.Timestamp).UTC(),
	}, nil
}
