package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one asset line of an account.
type Balance struct {
	Asset       Asset           `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Liabilities decimal.Decimal `json:"selling_liabilities"`
}

// Account is the ledger's view of an account at lookup time.
type Account struct {
	Address  string          `json:"address"`
	Sequence int64           `json:"sequence"`
	Balances []Balance       `json:"balances"`
	Reserve  decimal.Decimal `json:"reserve"`
}

// Available returns the spendable amount of asset: balance minus selling
// liabilities, minus the minimum reserve for the native asset. ok is false
// when the account holds no line for the asset.
func (a Account) Available(asset Asset) (avail decimal.Decimal, ok bool) {
	for _, b := range a.Balances {
		if !b.Asset.Equal(asset) {
			continue
		}
		avail = b.Amount.Sub(b.Liabilities)
		switch asset.Kind() {
		case AssetNative:
			avail = avail.Sub(a.Reserve)
		case AssetIssued:
		}
		return avail, true
	}
	return decimal.Zero, false
}

// OperationType names the ledger operations this core emits.
type OperationType string

const (
	OpManageSellOffer       OperationType = "manage_sell_offer"
	OpManageBuyOffer        OperationType = "manage_buy_offer"
	OpPathPaymentStrictSend OperationType = "path_payment_strict_send"
)

// Operation is one ledger operation. Offer fields and path-payment fields are
// used according to Type.
type Operation struct {
	Type OperationType `json:"type"`

	// Offers.
	Selling Asset           `json:"selling,omitempty"`
	Buying  Asset           `json:"buying,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
	OfferID string          `json:"offer_id,omitempty"`

	// Path payments.
	SendAsset   Asset           `json:"send_asset,omitempty"`
	SendAmount  decimal.Decimal `json:"send_amount"`
	DestAsset   Asset           `json:"dest_asset,omitempty"`
	DestMin     decimal.Decimal `json:"dest_min"`
	Destination string          `json:"destination,omitempty"`
	Path        []Asset         `json:"path,omitempty"`
}

// Transaction is an unsigned atomic batch of operations.
type Transaction struct {
	Source     string      `json:"source"`
	Sequence   int64       `json:"sequence"`
	Operations []Operation `json:"operations"`
	Memo       string      `json:"memo,omitempty"`
}

// SignedTransaction is a transaction plus the signature produced for it.
type SignedTransaction struct {
	Tx        Transaction `json:"tx"`
	KeyID     string      `json:"key_id"`
	Hash      string      `json:"hash"`
	Signature string      `json:"signature"`
}

// SubmitResult is the gateway acknowledgment of an applied transaction.
// ExternalIDs holds one offer id per offer left resting on the book; an
// offer that crossed in full leaves none. Fills lists the trades executed
// while the transaction was applied. Later trades against a resting offer
// arrive on the fill stream.
type SubmitResult struct {
	Success     bool        `json:"success"`
	LedgerID    string      `json:"ledger_id"`
	ExternalIDs []string    `json:"external_ids"`
	Fills       []FillEvent `json:"fills,omitempty"`
}

// FillEvent notifies a trade against one of our offers.
type FillEvent struct {
	ExternalID string          `json:"external_id"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
}

// LedgerGateway is the network client consumed by this core.
type LedgerGateway interface {
	GetAccount(ctx context.Context, address string) (Account, error)
	SubmitTransaction(ctx context.Context, tx SignedTransaction) (SubmitResult, error)
	// GetTransaction looks up an applied transaction by hash. It fails
	// with an error matching ErrNotFound when the ledger never applied it.
	GetTransaction(ctx context.Context, hash string) (SubmitResult, error)
	// StreamFills delivers fill events until ctx ends or the connection
	// drops, at which point the channel is closed. Callers reconnect.
	StreamFills(ctx context.Context, address string) (<-chan FillEvent, error)
}

// TxSigner is the signing subsystem.
type TxSigner interface {
	Sign(ctx context.Context, tx Transaction, keyID string) (SignedTransaction, error)
}
