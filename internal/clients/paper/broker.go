// Package paper provides an in-memory brokerage that serves allocations,
// quotes and fills. It backs dev mode and tests, and can be scripted to fail.
package paper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Fault is a scripted response for the next order submitted for a symbol.
// Err is returned as-is; Reject produces a REJECTED outcome; Delay holds the
// submission until it elapses or the context ends.
type Fault struct {
	Err    error
	Reject string
	Delay  time.Duration
}

type account struct {
	cash      decimal.Decimal
	positions map[string]int64
}

// Broker is a paper brokerage implementing AllocationSource, QuoteSource and
// ExecutionGateway.
type Broker struct {
	mu          sync.Mutex
	quotes      map[string]domain.Quote
	accounts    map[string]*account
	faults      map[string][]Fault
	filled      map[string]*domain.OrderOutcome // client order id -> outcome
	submissions map[string]int                  // client order id -> attempts seen
	log         zerolog.Logger
}

// NewBroker creates an empty paper broker
func NewBroker(log zerolog.Logger) *Broker {
	return &Broker{
		quotes:      make(map[string]domain.Quote),
		accounts:    make(map[string]*account),
		faults:      make(map[string][]Fault),
		filled:      make(map[string]*domain.OrderOutcome),
		submissions: make(map[string]int),
		log:         log.With().Str("client", "paper_broker").Logger(),
	}
}

// SetQuote sets the tradable price of a symbol
func (b *Broker) SetQuote(symbol, exchange string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	b.quotes[symbol] = domain.Quote{Symbol: symbol, Exchange: exchange, Price: price, AsOf: time.Now()}
}

// SetCash sets a user's uninvested cash
func (b *Broker) SetCash(userID string, cash decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account(userID).cash = cash
}

// SetPosition sets a user's holding of a symbol
func (b *Broker) SetPosition(userID, symbol string, quantity int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.account(userID)
	symbol = strings.ToUpper(symbol)
	if quantity == 0 {
		delete(acct.positions, symbol)
		return
	}
	acct.positions[symbol] = quantity
}

// FailNext queues faults for the next submissions of symbol, in order.
func (b *Broker) FailNext(symbol string, faults ...Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	b.faults[symbol] = append(b.faults[symbol], faults...)
}

// Submissions returns how many times a client order id reached the broker.
func (b *Broker) Submissions(clientOrderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submissions[clientOrderID]
}

// FilledOrders returns the number of distinct orders that filled.
func (b *Broker) FilledOrders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.filled)
}

// Position returns the user's current holding of symbol.
func (b *Broker) Position(userID, symbol string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account(userID).positions[strings.ToUpper(symbol)]
}

// Cash returns the user's current cash.
func (b *Broker) Cash(userID string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account(userID).cash
}

func (b *Broker) account(userID string) *account {
	acct, ok := b.accounts[userID]
	if !ok {
		acct = &account{positions: make(map[string]int64)}
		b.accounts[userID] = acct
	}
	return acct
}

// GetCurrentAllocation implements domain.AllocationSource.
// TotalValue is the invested value; weights are percentages of it.
func (b *Broker) GetCurrentAllocation(_ context.Context, userID string) (*domain.PortfolioAllocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct := b.account(userID)
	alloc := &domain.PortfolioAllocation{
		UserID:     userID,
		Cash:       acct.cash,
		TotalValue: decimal.Zero,
		Holdings:   make([]domain.Holding, 0, len(acct.positions)),
	}

	symbols := make([]string, 0, len(acct.positions))
	for symbol := range acct.positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		quote, ok := b.quotes[symbol]
		if !ok {
			return nil, fmt.Errorf("no quote for held symbol %s: %w", symbol, domain.ErrUnknownSymbol)
		}
		qty := acct.positions[symbol]
		alloc.Holdings = append(alloc.Holdings, domain.Holding{
			Symbol:   symbol,
			Exchange: quote.Exchange,
			Quantity: qty,
			Price:    quote.Price,
		})
		alloc.TotalValue = alloc.TotalValue.Add(quote.Price.Mul(decimal.NewFromInt(qty)))
	}

	if alloc.TotalValue.IsPositive() {
		for i := range alloc.Holdings {
			h := &alloc.Holdings[i]
			value := h.Price.Mul(decimal.NewFromInt(h.Quantity))
			h.Weight = value.Div(alloc.TotalValue).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
	}

	return alloc, nil
}

// GetQuote implements domain.QuoteSource
func (b *Broker) GetQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	quote, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("paper broker has no listing for %s: %w", symbol, domain.ErrUnknownSymbol)
	}
	quote.AsOf = time.Now()
	return &quote, nil
}

// SubmitOrder implements domain.ExecutionGateway.
// Orders are deduplicated by ClientOrderID: a resubmitted order returns the
// original fill without touching the account again.
func (b *Broker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderOutcome, error) {
	symbol := strings.ToUpper(req.Symbol)

	b.mu.Lock()
	b.submissions[req.ClientOrderID]++
	if outcome, ok := b.filled[req.ClientOrderID]; ok {
		b.mu.Unlock()
		copied := *outcome
		return &copied, nil
	}
	var fault *Fault
	if queue := b.faults[symbol]; len(queue) > 0 {
		fault = &queue[0]
		b.faults[symbol] = queue[1:]
	}
	b.mu.Unlock()

	if fault != nil {
		if fault.Delay > 0 {
			timer := time.NewTimer(fault.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if fault.Err != nil {
			return nil, fault.Err
		}
		if fault.Reject != "" {
			return &domain.OrderOutcome{
				OrderID:      uuid.New().String(),
				Status:       domain.OrderStatusRejected,
				RejectReason: fault.Reject,
			}, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return b.fill(req, symbol)
}

func (b *Broker) fill(req domain.OrderRequest, symbol string) (*domain.OrderOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if outcome, ok := b.filled[req.ClientOrderID]; ok {
		copied := *outcome
		return &copied, nil
	}

	quote, ok := b.quotes[symbol]
	if !ok {
		return &domain.OrderOutcome{Status: domain.OrderStatusRejected, RejectReason: "unknown symbol"}, nil
	}
	price := req.LimitPrice
	if !price.IsPositive() {
		price = quote.Price
	}

	acct := b.account(req.AccountID)
	notional := price.Mul(decimal.NewFromInt(req.Quantity))

	switch req.Action {
	case domain.TradeActionBuy:
		if acct.cash.LessThan(notional) {
			return &domain.OrderOutcome{Status: domain.OrderStatusRejected, RejectReason: "insufficient funds"}, nil
		}
		acct.cash = acct.cash.Sub(notional)
		acct.positions[symbol] += req.Quantity
	case domain.TradeActionSell:
		if acct.positions[symbol] < req.Quantity {
			return &domain.OrderOutcome{Status: domain.OrderStatusRejected, RejectReason: "insufficient holdings"}, nil
		}
		acct.cash = acct.cash.Add(notional)
		acct.positions[symbol] -= req.Quantity
		if acct.positions[symbol] == 0 {
			delete(acct.positions, symbol)
		}
	default:
		return &domain.OrderOutcome{Status: domain.OrderStatusRejected, RejectReason: "invalid action"}, nil
	}

	outcome := &domain.OrderOutcome{
		OrderID:        uuid.New().String(),
		Status:         domain.OrderStatusFilled,
		FillPrice:      price,
		FilledQuantity: req.Quantity,
	}
	b.filled[req.ClientOrderID] = outcome

	b.log.Debug().
		Str("client_order_id", req.ClientOrderID).
		Str("symbol", symbol).
		Str("action", string(req.Action)).
		Int64("quantity", req.Quantity).
		Str("price", price.String()).
		Msg("Paper order filled")

	copied := *outcome
	return &copied, nil
}

// SeedDemo loads a small demo portfolio for userID.
func (b *Broker) SeedDemo(userID string) {
	b.SetQuote("AAPL", "NASDAQ", decimal.NewFromInt(200))
	b.SetQuote("MSFT", "NASDAQ", decimal.NewFromInt(400))
	b.SetQuote("VOD", "LSE", decimal.RequireFromString("0.72"))
	b.SetQuote("SAP", "XETRA", decimal.NewFromInt(180))
	b.SetCash(userID, decimal.NewFromInt(5000))
	b.SetPosition(userID, "AAPL", 30)
	b.SetPosition(userID, "MSFT", 10)
}

// Verify interface implementation
var (
	_ domain.AllocationSource = (*Broker)(nil)
	_ domain.QuoteSource      = (*Broker)(nil)
	_ domain.ExecutionGateway = (*Broker)(nil)
)
