// Package mtm is the mark-to-market engine. It keeps every tracked user's
// open positions in memory, revalues the users holding an instrument on
// each of its ticks, and writes equity and margin status back in batches.
//
// One goroutine owns all mutable state. Store loads and flushes run on
// helper goroutines and post their results back to it; readers on other
// goroutines take the read lock.
package mtm

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/risk-engine/internal/events"
	"github.com/papertrade/risk-engine/internal/feed"
	"github.com/papertrade/risk-engine/internal/instrument"
	"github.com/papertrade/risk-engine/internal/ledger"
	"github.com/papertrade/risk-engine/internal/margin"
	"github.com/papertrade/risk-engine/internal/metrics"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
	"github.com/papertrade/risk-engine/internal/store"
)

// ErrNotRunning is returned by calls that need the engine loop.
var ErrNotRunning = errors.New("mtm: engine not running")

// maxClockSkew is how far in the future a tick timestamp may be.
const maxClockSkew = 5 * time.Second

// Options tune the engine. Zero values take the defaults.
type Options struct {
	MaxTickAge       time.Duration   // default 30s
	FlushInterval    time.Duration   // retry cadence for dirty users, default 250ms
	MaintenanceRatio decimal.Decimal // default 0.5
	Epsilon          money.Amount    // default 0.0001
	Evaluator        Evaluator
	Logger           *slog.Logger
	Now              func() time.Time
}

type priceEntry struct {
	price money.Amount
	at    time.Time
}

type loadResult struct {
	userID string
	gen    uint64
	state  *userState
	err    error
}

type flushResult struct {
	versions map[string]uint64
	err      error
}

type refreshRequest struct {
	userID string
	reply  chan error // nil for fire-and-forget
}

// notice is work collected under the lock and dispatched after it.
type notice struct {
	wallet   model.WalletSnapshot
	snapshot *RiskSnapshot
}

// Engine is the MTM engine.
type Engine struct {
	st          store.Store
	ledger      *ledger.Ledger
	instruments instrument.Resolver
	calc        margin.Calculator
	feed        feed.Feed
	bus         *events.Bus
	eval        Evaluator
	opts        Options
	log         *slog.Logger

	mu         sync.RWMutex
	users      map[string]*userState
	tokenUsers map[string]map[string]struct{}
	prices     map[string]priceEntry
	dirty      map[string]uint64
	version    uint64

	// Owned by the loop goroutine.
	gen        map[string]uint64
	waiters    map[string][]chan error
	subscribed map[string]bool
	flushing   bool

	loads     chan loadResult
	refreshes chan refreshRequest
	flushed   chan flushResult

	running atomic.Bool
	sub     *events.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an engine. Call Initialize then Start.
func New(st store.Store, l *ledger.Ledger, instruments instrument.Resolver, calc margin.Calculator,
	f feed.Feed, bus *events.Bus, opts Options,
) *Engine {
	if opts.MaxTickAge <= 0 {
		opts.MaxTickAge = 30 * time.Second
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 250 * time.Millisecond
	}
	if opts.MaintenanceRatio.IsZero() {
		opts.MaintenanceRatio = decimal.NewFromFloat(0.5)
	}
	if opts.Epsilon.IsZero() {
		opts.Epsilon = money.MustParse("0.0001")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if calc == nil {
		calc = margin.NewStandard()
	}
	return &Engine{
		st:          st,
		ledger:      l,
		instruments: instruments,
		calc:        calc,
		feed:        f,
		bus:         bus,
		eval:        opts.Evaluator,
		opts:        opts,
		log:         opts.Logger,
		users:       make(map[string]*userState),
		tokenUsers:  make(map[string]map[string]struct{}),
		prices:      make(map[string]priceEntry),
		dirty:       make(map[string]uint64),
		gen:         make(map[string]uint64),
		waiters:     make(map[string][]chan error),
		subscribed:  make(map[string]bool),
		loads:       make(chan loadResult, 64),
		refreshes:   make(chan refreshRequest, 1024),
		flushed:     make(chan flushResult, 1),
		done:        make(chan struct{}),
	}
}

// Initialize warms the cache with every user holding an open position and
// subscribes their instruments. It must run before Start.
func (e *Engine) Initialize(ctx context.Context) error {
	userIDs, err := e.st.ListUsersWithOpenPositions(ctx)
	if err != nil {
		return err
	}
	var notices []notice
	for _, userID := range userIDs {
		state, err := e.loadUser(ctx, userID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		notices = append(notices, e.install(userID, state)...)
		e.mu.Unlock()
	}
	e.syncSubscriptions(ctx)
	e.dispatch(ctx, notices)
	e.log.Info("mtm engine initialized", "users", len(userIDs), "tokens", len(e.subscribed))
	return nil
}

// Start runs the engine loop until Shutdown.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	if e.bus != nil {
		e.sub = e.bus.Subscribe(256, true,
			events.KindOrderExecuted, events.KindPositionChanged, events.KindBalanceChanged)
	}
	go e.run(ctx)
}

// Shutdown stops the loop and writes any pending dirty users once.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.running.Load() {
		return nil
	}
	e.cancel()
	<-e.done
	if e.sub != nil {
		e.sub.Close()
	}
	e.running.Store(false)

	updates, versions := e.pendingUpdates()
	if len(updates) == 0 {
		return nil
	}
	err := e.st.UpdateWalletRisk(ctx, updates)
	e.applyFlush(flushResult{versions: versions, err: err})
	return err
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	ticks := e.feed.Ticks()
	var evs <-chan events.Event
	if e.sub != nil {
		evs = e.sub.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			e.handleTick(ctx, t)
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			e.handleEvent(ctx, ev)
		case req := <-e.refreshes:
			e.invalidate(ctx, req)
		case res := <-e.loads:
			e.applyLoad(ctx, res)
		case res := <-e.flushed:
			e.flushing = false
			e.applyFlush(res)
			if res.err != nil {
				continue
			}
		case <-ticker.C:
		}
		e.startFlush(ctx)
	}
}

func (e *Engine) handleTick(ctx context.Context, t model.Tick) {
	now := e.opts.Now()
	if !t.Price.IsPositive() {
		metrics.Ticks.WithLabelValues("invalid").Inc()
		e.log.Debug("tick dropped", "token", t.InstrumentKey, "price", t.Price.String())
		return
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if age := now.Sub(ts); age < -maxClockSkew || age > e.opts.MaxTickAge {
		metrics.Ticks.WithLabelValues("stale").Inc()
		e.log.Debug("stale tick dropped", "token", t.InstrumentKey, "age", age)
		return
	}
	metrics.Ticks.WithLabelValues("accepted").Inc()

	e.mu.Lock()
	e.prices[t.InstrumentKey] = priceEntry{price: t.Price, at: ts}
	var notices []notice
	for userID := range e.tokenUsers[t.InstrumentKey] {
		if n, ok := e.revalue(userID); ok {
			notices = append(notices, n)
		}
	}
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(ctx, events.PriceTick{InstrumentKey: t.InstrumentKey, Price: t.Price, Timestamp: ts})
	}
	e.dispatch(ctx, notices)
}

func (e *Engine) handleEvent(ctx context.Context, ev events.Event) {
	switch ev := ev.(type) {
	case events.OrderExecuted:
		e.invalidate(ctx, refreshRequest{userID: ev.UserID})
	case events.PositionChanged:
		e.invalidate(ctx, refreshRequest{userID: ev.UserID})
	case events.BalanceChanged:
		e.invalidate(ctx, refreshRequest{userID: ev.UserID})
	}
}

// invalidate drops the user's pending dirty flag and starts a reload. Any
// load already in flight for the user is overtaken.
func (e *Engine) invalidate(ctx context.Context, req refreshRequest) {
	e.mu.Lock()
	if _, ok := e.dirty[req.userID]; ok {
		delete(e.dirty, req.userID)
		metrics.DirtyUsers.Set(float64(len(e.dirty)))
	}
	e.mu.Unlock()

	e.gen[req.userID]++
	if req.reply != nil {
		e.waiters[req.userID] = append(e.waiters[req.userID], req.reply)
	}
	gen := e.gen[req.userID]
	go func() {
		state, err := e.loadUser(ctx, req.userID)
		select {
		case e.loads <- loadResult{userID: req.userID, gen: gen, state: state, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) applyLoad(ctx context.Context, res loadResult) {
	if res.gen != e.gen[res.userID] {
		return
	}
	waiters := e.waiters[res.userID]
	delete(e.waiters, res.userID)
	defer func() {
		for _, w := range waiters {
			w <- res.err
		}
	}()
	if res.err != nil {
		e.log.Error("mtm user load failed", "user", res.userID, "err", res.err)
		return
	}

	e.mu.Lock()
	notices := e.install(res.userID, res.state)
	e.mu.Unlock()

	e.syncSubscriptions(ctx)
	e.dispatch(ctx, notices)
}

// install replaces a user's cached state, reindexes its tokens and
// revalues it. Callers hold the write lock.
func (e *Engine) install(userID string, state *userState) []notice {
	if old, ok := e.users[userID]; ok {
		for _, token := range old.tokens() {
			e.unindex(token, userID)
		}
		state.wallet = old.wallet
	}
	e.users[userID] = state
	for _, token := range state.tokens() {
		set, ok := e.tokenUsers[token]
		if !ok {
			set = make(map[string]struct{})
			e.tokenUsers[token] = set
		}
		set[userID] = struct{}{}
	}
	metrics.TrackedUsers.Set(float64(len(e.users)))

	n, ok := e.revalue(userID)
	if !ok {
		return nil
	}
	return []notice{n}
}

func (e *Engine) unindex(token, userID string) {
	set := e.tokenUsers[token]
	delete(set, userID)
	if len(set) == 0 {
		delete(e.tokenUsers, token)
	}
}

// revalue recomputes one user's snapshot. It reports a notice only when a
// figure moved by more than the epsilon. Callers hold the write lock.
func (e *Engine) revalue(userID string) (notice, bool) {
	u, ok := e.users[userID]
	if !ok {
		return notice{}, false
	}
	metrics.Revaluations.Inc()

	v := valuation{calc: e.calc, maintenanceRatio: e.opts.MaintenanceRatio, price: e.markLocked}
	w, risk := v.value(userID, u)
	u.risk = risk

	prev := u.wallet
	if prev.UserID != "" && !differs(prev, w, e.opts.Epsilon) {
		return notice{}, false
	}
	w.UpdatedAt = e.opts.Now().UTC()
	u.wallet = w
	e.version++
	e.dirty[userID] = e.version
	metrics.DirtyUsers.Set(float64(len(e.dirty)))

	n := notice{wallet: w}
	wasStressed := prev.MarginStatus == model.MarginStressed
	if w.MarginStatus == model.MarginStressed || wasStressed {
		prevState := prev.AccountState
		if prevState == "" {
			prevState = model.StateActive
		}
		n.snapshot = &RiskSnapshot{
			Wallet:        w,
			Positions:     append([]RiskPosition(nil), risk...),
			PreviousState: prevState,
		}
	}
	return n, true
}

func (e *Engine) markLocked(token string) (money.Amount, bool) {
	p, ok := e.prices[token]
	return p.price, ok
}

func (e *Engine) dispatch(ctx context.Context, notices []notice) {
	for _, n := range notices {
		if e.bus != nil {
			e.bus.Publish(ctx, events.WalletUpdated{Wallet: n.wallet})
		}
		if n.snapshot != nil && e.eval != nil {
			e.log.Warn("risk snapshot handed to liquidation evaluator",
				"user", n.wallet.UserID,
				"state", n.wallet.AccountState,
				"equity", n.wallet.Equity.String(),
				"required_margin", n.wallet.RequiredMargin.String(),
			)
			e.eval.Evaluate(ctx, *n.snapshot)
		}
	}
}

// syncSubscriptions diffs the tokens in play against the feed subscription.
func (e *Engine) syncSubscriptions(ctx context.Context) {
	e.mu.RLock()
	var add, remove []string
	for token := range e.tokenUsers {
		if !e.subscribed[token] {
			add = append(add, token)
		}
	}
	for token := range e.subscribed {
		if _, ok := e.tokenUsers[token]; !ok {
			remove = append(remove, token)
		}
	}
	e.mu.RUnlock()

	if len(add) > 0 {
		sort.Strings(add)
		if err := e.feed.Subscribe(ctx, add...); err != nil {
			e.log.Error("feed subscribe failed", "tokens", add, "err", err)
		} else {
			for _, token := range add {
				e.subscribed[token] = true
			}
		}
	}
	if len(remove) > 0 {
		sort.Strings(remove)
		if err := e.feed.Unsubscribe(ctx, remove...); err != nil {
			e.log.Error("feed unsubscribe failed", "tokens", remove, "err", err)
		} else {
			for _, token := range remove {
				delete(e.subscribed, token)
			}
		}
	}
	metrics.FeedSubscriptions.Set(float64(len(e.subscribed)))
}

// startFlush writes dirty users on a helper goroutine unless a flush is
// already in flight; ticks that arrive meanwhile are picked up by the next.
func (e *Engine) startFlush(ctx context.Context) {
	if e.flushing {
		return
	}
	updates, versions := e.pendingUpdates()
	if len(updates) == 0 {
		return
	}
	e.flushing = true
	go func() {
		err := e.st.UpdateWalletRisk(ctx, updates)
		select {
		case e.flushed <- flushResult{versions: versions, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) pendingUpdates() ([]model.WalletRiskUpdate, map[string]uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.dirty) == 0 {
		return nil, nil
	}
	versions := make(map[string]uint64, len(e.dirty))
	updates := make([]model.WalletRiskUpdate, 0, len(e.dirty))
	for userID, v := range e.dirty {
		u, ok := e.users[userID]
		if !ok {
			continue
		}
		versions[userID] = v
		updates = append(updates, model.WalletRiskUpdate{
			UserID:       userID,
			Equity:       u.wallet.Equity,
			MarginStatus: u.wallet.MarginStatus,
		})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].UserID < updates[j].UserID })
	return updates, versions
}

// applyFlush clears users whose snapshot did not change since the flush
// was taken. A failed flush leaves them dirty for the next cycle.
func (e *Engine) applyFlush(res flushResult) {
	if res.err != nil {
		metrics.FlushFailures.Inc()
		e.log.Error("mtm wallet flush failed", "users", len(res.versions), "err", res.err)
		return
	}
	e.mu.Lock()
	for userID, v := range res.versions {
		if e.dirty[userID] == v {
			delete(e.dirty, userID)
		}
	}
	metrics.DirtyUsers.Set(float64(len(e.dirty)))
	e.mu.Unlock()
}

// loadUser reads one user's open positions, instruments and ledger
// balance from the store.
func (e *Engine) loadUser(ctx context.Context, userID string) (*userState, error) {
	positions, err := e.st.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	insts := make(map[string]model.Instrument, len(positions))
	for _, p := range positions {
		inst, err := e.instruments.Resolve(ctx, p.InstrumentToken)
		if err != nil {
			return nil, err
		}
		insts[p.InstrumentToken] = inst
	}
	eq, err := e.ledger.ReconstructUserEquity(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	return &userState{balance: eq.Equity, positions: positions, insts: insts}, nil
}

// GetUserSnapshot serves the cached snapshot. A user not cached yet gets an
// async refresh and ok is false.
func (e *Engine) GetUserSnapshot(userID string) (model.WalletSnapshot, bool) {
	e.mu.RLock()
	u, ok := e.users[userID]
	var w model.WalletSnapshot
	if ok {
		w = u.wallet
	}
	e.mu.RUnlock()
	if !ok {
		e.RequestRefresh(userID)
	}
	return w, ok
}

// GetUserRiskPositions serves the cached per-position valuation.
func (e *Engine) GetUserRiskPositions(userID string) ([]RiskPosition, bool) {
	e.mu.RLock()
	u, ok := e.users[userID]
	var out []RiskPosition
	if ok {
		out = append(out, u.risk...)
	}
	e.mu.RUnlock()
	if !ok {
		e.RequestRefresh(userID)
	}
	return out, ok
}

// GetLatestPrice returns the cached price if it is no older than maxAge.
// A non-positive maxAge accepts any age.
func (e *Engine) GetLatestPrice(token string, maxAge time.Duration) (money.Amount, bool) {
	e.mu.RLock()
	p, ok := e.prices[token]
	e.mu.RUnlock()
	if !ok {
		return money.Zero, false
	}
	if maxAge > 0 && e.opts.Now().Sub(p.at) > maxAge {
		return money.Zero, false
	}
	return p.price, true
}

// LatestPrice returns the last accepted price of token.
func (e *Engine) LatestPrice(token string) (money.Amount, bool) {
	return e.GetLatestPrice(token, 0)
}

// RequestRefresh schedules a reload of userID without waiting.
func (e *Engine) RequestRefresh(userID string) {
	if !e.running.Load() {
		return
	}
	select {
	case e.refreshes <- refreshRequest{userID: userID}:
	default:
		e.log.Warn("mtm refresh queue full", "user", userID)
	}
}

// RefreshUserNow reloads userID and waits until the result is applied.
func (e *Engine) RefreshUserNow(ctx context.Context, userID string) (model.WalletSnapshot, error) {
	if !e.running.Load() {
		return model.WalletSnapshot{}, ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case e.refreshes <- refreshRequest{userID: userID, reply: reply}:
	case <-e.done:
		return model.WalletSnapshot{}, ErrNotRunning
	case <-ctx.Done():
		return model.WalletSnapshot{}, ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return model.WalletSnapshot{}, err
		}
	case <-e.done:
		return model.WalletSnapshot{}, ErrNotRunning
	case <-ctx.Done():
		return model.WalletSnapshot{}, ctx.Err()
	}
	w, _ := e.GetUserSnapshot(userID)
	return w, nil
}
