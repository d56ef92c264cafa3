package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

const testAccount = "GTESTACCOUNT"

var (
	usd = domain.MustIssuedAsset("USD", "GISSUER")
	eur = domain.MustIssuedAsset("EUR", "GISSUER")
	xlm = domain.NativeAsset()
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeLedger enforces sequence numbers the way the ledger does: a
// transaction must carry current+1 or it collides.
type fakeLedger struct {
	mu         sync.Mutex
	seq        int64
	balances   []domain.Balance
	reserve    decimal.Decimal
	submitErrs []error
	submitted  []domain.SignedTransaction
	applied    map[string]domain.SubmitResult
	offers     int
	block      chan struct{}
	streams    []chan domain.FillEvent
	streamed   int

	// dropAcks applies that many transactions but reports a timeout.
	dropAcks int
	// crossInFull leaves no offer resting; placementFills are returned
	// with every acknowledgment.
	crossInFull    bool
	placementFills []domain.FillEvent
	// afterApply runs once a transaction is applied, before the caller
	// sees the result.
	afterApply func(domain.SubmitResult)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		seq: 100,
		balances: []domain.Balance{
			{Asset: xlm, Amount: dec("1000"), Liabilities: decimal.Zero},
			{Asset: usd, Amount: dec("1000"), Liabilities: decimal.Zero},
		},
		reserve: dec("1"),
		applied: map[string]domain.SubmitResult{},
	}
}

func (f *fakeLedger) GetAccount(_ context.Context, address string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.Account{
		Address:  address,
		Sequence: f.seq,
		Balances: append([]domain.Balance(nil), f.balances...),
		Reserve:  f.reserve,
	}, nil
}

func (f *fakeLedger) SubmitTransaction(ctx context.Context, tx domain.SignedTransaction) (domain.SubmitResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.SubmitResult{}, domain.E(domain.KindNetworkTimeout, "submit", ctx.Err())
		}
	}

	res, dropped, err := f.apply(tx)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	if f.afterApply != nil {
		f.afterApply(res)
	}
	if dropped {
		return domain.SubmitResult{}, domain.E(domain.KindNetworkTimeout, "submit", context.DeadlineExceeded)
	}
	return res, nil
}

func (f *fakeLedger) apply(tx domain.SignedTransaction) (domain.SubmitResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, tx)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return domain.SubmitResult{}, false, err
	}
	if tx.Tx.Sequence != f.seq+1 {
		return domain.SubmitResult{}, false, domain.E(domain.KindSequenceCollision, "submit", fmt.Errorf("tx_bad_seq %d", tx.Tx.Sequence))
	}
	f.seq++

	res := domain.SubmitResult{Success: true, LedgerID: fmt.Sprintf("L%d", f.seq)}
	for _, op := range tx.Tx.Operations {
		switch op.Type {
		case domain.OpManageBuyOffer, domain.OpManageSellOffer:
			if op.OfferID != "" {
				res.ExternalIDs = append(res.ExternalIDs, op.OfferID)
				continue
			}
			if f.crossInFull {
				continue
			}
			f.offers++
			res.ExternalIDs = append(res.ExternalIDs, fmt.Sprintf("offer-%d", f.offers))
		}
	}
	res.Fills = append([]domain.FillEvent(nil), f.placementFills...)
	f.applied[tx.Hash] = res

	dropped := f.dropAcks > 0
	if dropped {
		f.dropAcks--
	}
	return res, dropped, nil
}

func (f *fakeLedger) GetTransaction(_ context.Context, hash string) (domain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.applied[hash]
	if !ok {
		return domain.SubmitResult{}, domain.E(domain.KindGatewayRejected, "get transaction", domain.ErrNotFound)
	}
	return res, nil
}

func (f *fakeLedger) StreamFills(_ context.Context, _ string) (<-chan domain.FillEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamed >= len(f.streams) {
		return nil, fmt.Errorf("no more streams")
	}
	ch := f.streams[f.streamed]
	f.streamed++
	return ch, nil
}

func (f *fakeLedger) submissions() []domain.SignedTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SignedTransaction(nil), f.submitted...)
}

type fakeSigner struct{}

func (fakeSigner) Sign(_ context.Context, tx domain.Transaction, keyID string) (domain.SignedTransaction, error) {
	return domain.SignedTransaction{
		Tx:        tx,
		KeyID:     keyID,
		Hash:      fmt.Sprintf("hash-%d", tx.Sequence),
		Signature: "sig",
	}, nil
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = map[string][][]byte{}
	}
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[channel])
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func (m *memOrderStore) Save(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orders == nil {
		m.orders = map[string]domain.Order{}
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *memOrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *memOrderStore) ListActive(_ context.Context, account string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() && (account == "" || o.Account == account) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (m *memOrderStore) ListTerminalBefore(context.Context, time.Time) ([]domain.Order, error) {
	return nil, nil
}

func (m *memOrderStore) DeleteTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
