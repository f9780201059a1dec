package backtester

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType selects the matching rule an Exchange applies to an Order.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStopLoss
	OrderTypeTakeProfit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStopLoss:
		return "STOP_LOSS"
	case OrderTypeTakeProfit:
		return "TAKE_PROFIT"
	default:
		return "UNKNOWN"
	}
}

// OrderState tracks an Order through its lifecycle. Transitions are
// monotone: Pending -> {Open, Rejected} -> {Filled, Canceled}, or
// straight to Cheat for benchmark/force-close fills.
type OrderState int

const (
	OrderPending OrderState = iota
	OrderOpen
	OrderFilled
	OrderCanceled
	OrderRejected
	OrderCheat
)

func (s OrderState) String() string {
	switch s {
	case OrderPending:
		return "PENDING"
	case OrderOpen:
		return "OPEN"
	case OrderFilled:
		return "FILLED"
	case OrderCanceled:
		return "CANCELED"
	case OrderRejected:
		return "REJECTED"
	case OrderCheat:
		return "CHEAT"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of the states required of every
// archived order (spec §8 invariant 5).
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// Order is the value type describing one trading intent and its outcome.
type Order struct {
	OrderID        uint64
	AssetIndex     int
	StrategyIndex  int
	PortfolioIndex int
	BrokerIndex    int

	Type  OrderType
	Units float64 // signed: positive = long, negative = short
	Limit decimal.Decimal

	State OrderState

	CreateTime time.Time
	FillTime   time.Time
	CancelTime time.Time

	AveragePrice decimal.Decimal
	CashImpact   decimal.Decimal
	MarginImpact decimal.Decimal

	Exit TradeExit

	// BetaHedgeChild, when non-nil, is submitted as a new PENDING order
	// only once this order fills (spec §4.6 beta-hedge linking).
	BetaHedgeChild *Order

	// HasParentTrade/ParentTradeID link a beta-hedge child order back to
	// the parent trade it hedges, set by the Router once the parent
	// order fills (spec §9 supplemented TradePartition bookkeeping).
	HasParentTrade bool
	ParentTradeID  uint64

	Phantom    bool
	ForceClose bool

	RejectReason string
}

// NewMarketOrder constructs a pending MARKET order.
func NewMarketOrder(id uint64, assetIndex, strategyIndex, portfolioIndex int, units float64, exit TradeExit) *Order {
	return &Order{
		OrderID:        id,
		AssetIndex:     assetIndex,
		StrategyIndex:  strategyIndex,
		PortfolioIndex: portfolioIndex,
		Type:           OrderTypeMarket,
		Units:          units,
		State:          OrderPending,
		Exit:           exit,
	}
}

// Validate checks order-level invariants independent of exchange state
// (spec §4.2 order validation): a zero-unit order is always invalid.
func (o *Order) Validate() error {
	if o.Units == 0 {
		return newKernelError(InvalidArgument, "Order.Validate", "units must be non-zero")
	}
	return nil
}

// fill transitions the order to Filled, recording the fill price/time
// and cash impact. cashImpact folds in commission (a flat cash charge)
// and slippage (a rate against notional) — the single canonical place
// chosen for that bookkeeping (spec §9 open question), so
// Trade.realized_pl never has to re-derive it.
func (o *Order) fill(price decimal.Decimal, t time.Time, commission, slippageRate decimal.Decimal) {
	o.State = OrderFilled
	o.AveragePrice = price
	o.FillTime = t
	notional := price.Mul(decimal.NewFromFloat(o.Units)).Abs()
	o.CashImpact = notional.Neg()
	if o.Units < 0 {
		o.CashImpact = notional
	}
	o.CashImpact = o.CashImpact.Sub(commission).Sub(notional.Mul(slippageRate))
}

func (o *Order) reject(reason string) {
	o.State = OrderRejected
	o.RejectReason = reason
}

func (o *Order) cancel(t time.Time) {
	o.State = OrderCanceled
	o.CancelTime = t
}
