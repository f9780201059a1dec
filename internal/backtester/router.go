package backtester

import (
	"sync"

	"go.uber.org/zap"
)

// FillHandler is implemented by Portfolio to receive filled orders
// routed to it.
type FillHandler interface {
	HandleFill(o *Order, t *Trade) (resultTradeID uint64, hasOpenTrade bool)
	LinkPartition(parentTradeID, childTradeID uint64, childUnits float64)
	PortfolioIndex() int
}

// Router is the single-writer concurrent queue that fans orders out to
// their owning Exchange and fills out to their destination Portfolio
// (spec §4.5). place_order is non-blocking; Process drains the queue
// on the engine's single thread.
type Router struct {
	logger *zap.Logger

	exchangeMap *ExchangeMap
	portfolios  map[int]FillHandler

	mu    sync.Mutex
	queue []*Order

	historyMu sync.Mutex
	history   []*Order
}

// NewRouter creates a router bound to an ExchangeMap for order delivery.
func NewRouter(logger *zap.Logger, exchangeMap *ExchangeMap) *Router {
	return &Router{
		logger:      logger,
		exchangeMap: exchangeMap,
		portfolios:  make(map[int]FillHandler),
	}
}

// RegisterPortfolio binds a fill destination by portfolio index.
func (r *Router) RegisterPortfolio(p FillHandler) {
	r.portfolios[p.PortfolioIndex()] = p
}

// PlaceOrder enqueues an order for the next Process call. Non-blocking:
// it only appends under a short-held mutex.
func (r *Router) PlaceOrder(o *Order) {
	r.mu.Lock()
	r.queue = append(r.queue, o)
	r.mu.Unlock()
}

// exchangeForAsset resolves which Exchange owns a given global asset index.
func (r *Router) exchangeForAsset(assetIndex int) (*Exchange, bool) {
	a, ok := r.exchangeMap.AssetByIndex(assetIndex)
	if !ok {
		return nil, false
	}
	for _, e := range r.exchangeMap.exchanges {
		if owner, ok := e.byIndex[a.index]; ok && owner == a {
			return e, true
		}
	}
	return nil, false
}

// Process drains the queue, routing each order by its state (spec
// §4.5): PENDING orders are delivered to their Exchange's pending
// list; FILLED orders (already matched by a prior Exchange.Process
// pass held here awaiting fan-out) are delivered to their Portfolio;
// CHEAT orders execute immediately without re-queuing. Any
// beta-hedge child attached to a filled parent is detached and
// resubmitted as a new PENDING order.
func (r *Router) Process(fillResolver func(o *Order) *Trade) {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, o := range batch {
		switch o.State {
		case OrderPending, OrderOpen:
			ex, ok := r.exchangeForAsset(o.AssetIndex)
			if !ok {
				o.reject("no exchange owns asset")
				r.archive(o)
				continue
			}
			if err := ex.EnqueueOrder(o); err != nil {
				r.archive(o)
			}

		case OrderFilled, OrderCheat:
			dest, ok := r.portfolios[o.PortfolioIndex]
			if !ok {
				r.logger.Warn("fill routed to unknown portfolio", zap.Int("portfolioIndex", o.PortfolioIndex))
				r.archive(o)
				continue
			}
			var trade *Trade
			if fillResolver != nil {
				trade = fillResolver(o)
			}
			resultTradeID, hasOpenTrade := dest.HandleFill(o, trade)
			r.archive(o)

			if o.HasParentTrade && hasOpenTrade {
				dest.LinkPartition(o.ParentTradeID, resultTradeID, o.Units)
			}

			if o.BetaHedgeChild != nil {
				child := o.BetaHedgeChild
				child.Phantom = o.Phantom
				child.State = OrderPending
				if hasOpenTrade {
					child.HasParentTrade = true
					child.ParentTradeID = resultTradeID
				}
				r.PlaceOrder(child)
			}

		default:
			r.archive(o)
		}
	}
}

// DeliverFills is called by the engine after an Exchange.Process pass
// to push newly filled orders back through the router's queue for
// fan-out to portfolios.
func (r *Router) DeliverFills(filled []*Order) {
	r.mu.Lock()
	r.queue = append(r.queue, filled...)
	r.mu.Unlock()
}

func (r *Router) archive(o *Order) {
	if o.Phantom {
		// Phantom orders are still appended to history, tagged, but never
		// reach a portfolio's cash/position mutation path (spec §9 open
		// question, resolved this way).
	}
	r.historyMu.Lock()
	r.history = append(r.history, o)
	r.historyMu.Unlock()
}

// History returns the append-only archive of terminal orders.
func (r *Router) History() []*Order {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	out := make([]*Order, len(r.history))
	copy(out, r.history)
	return out
}
