package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	mdomain "github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"github.com/wyfcoding/papertrading/internal/trading/domain"
	"github.com/wyfcoding/papertrading/pkg/logger"
	"github.com/wyfcoding/papertrading/pkg/metrics"
	"github.com/wyfcoding/papertrading/pkg/utils"
)

// memRepo 带版本校验的内存仓储
type memRepo struct {
	mu        sync.Mutex
	portfolio map[string]*domain.Portfolio
	txs       []*domain.Transaction
	// conflicts 前 N 次提交返回版本冲突
	conflicts int
	commits   int
}

func newMemRepo() *memRepo {
	return &memRepo{portfolio: make(map[string]*domain.Portfolio)}
}

func (r *memRepo) Get(_ context.Context, userID string) (*domain.Portfolio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.portfolio[userID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (r *memRepo) Commit(_ context.Context, p *domain.Portfolio, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
	if r.conflicts > 0 {
		r.conflicts--
		return domain.ErrConcurrentUpdate
	}
	var current int64
	if stored, ok := r.portfolio[p.UserID]; ok {
		current = stored.Version
	}
	if current != p.Version {
		return domain.ErrConcurrentUpdate
	}
	p.Version++
	r.portfolio[p.UserID] = p.Clone()
	r.txs = append(r.txs, tx)
	return nil
}

func (r *memRepo) ListTransactions(_ context.Context, userID string, limit, offset int) ([]*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Transaction
	for i := len(r.txs) - 1; i >= 0; i-- {
		if r.txs[i].UserID == userID {
			out = append(out, r.txs[i])
		}
	}
	return out, nil
}

func (r *memRepo) Leaderboard(context.Context, int) ([]*domain.LeaderboardEntry, error) {
	return nil, nil
}

type fixedPrices struct{ snap *mdomain.PriceSnapshot }

func (f fixedPrices) Read() *mdomain.PriceSnapshot { return f.snap }

type capturePublisher struct {
	mu     sync.Mutex
	keys   []string
	events []any
	err    error
}

func (p *capturePublisher) SendMessage(_ context.Context, _ string, key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, value)
	return p.err
}

var marketSnapshot = mdomain.NewPriceSnapshot("usd", map[string]decimal.Decimal{
	"bitcoin":  decimal.NewFromInt(40000),
	"ethereum": decimal.NewFromInt(2000),
}, time.Now())

func newService(t *testing.T, repo domain.PortfolioRepository, pub domain.EventPublisher) (*TradeCommandService, *metrics.Metrics) {
	t.Helper()
	ids, err := utils.NewIDGenerator(1)
	if err != nil {
		t.Fatalf("id generator: %v", err)
	}
	m := metrics.New("test")
	svc := NewTradeCommandService(TradeConfig{
		Symbols:        []string{"bitcoin", "ethereum", "cardano"},
		InitialBalance: decimal.NewFromInt(10000),
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		TradeTopic:     "trades",
	}, repo, fixedPrices{marketSnapshot}, pub, ids, m, logger.Discard())
	return svc, m
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTradeService_BuyAtMarketPrice(t *testing.T) {
	repo := newMemRepo()
	pub := &capturePublisher{}
	svc, m := newService(t, repo, pub)

	res, err := svc.Buy(context.Background(), TradeCommand{UserID: "u1", Symbol: "bitcoin", Amount: amount("0.1")})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Transaction.Price.Equal(decimal.NewFromInt(40000)) {
		t.Errorf("price = %s, want market 40000", res.Transaction.Price)
	}
	if res.Transaction.ID == "" {
		t.Error("transaction id not assigned")
	}
	if !res.Portfolio.Balance.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("balance = %s", res.Portfolio.Balance)
	}
	if len(pub.events) != 1 || pub.keys[0] != "u1" {
		t.Fatalf("published = %v / %v", pub.keys, pub.events)
	}
	ev := pub.events[0].(domain.TradeExecutedEvent)
	if ev.TransactionID != res.Transaction.ID || ev.Side != "buy" || ev.Balance != "6000" {
		t.Errorf("event = %+v", ev)
	}
	if testutil.ToFloat64(m.TradesTotal.WithLabelValues("buy", "accepted")) != 1 {
		t.Error("accepted trade not counted")
	}
}

func TestTradeService_ExplicitPriceAndSell(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newService(t, repo, &capturePublisher{})
	ctx := context.Background()

	p := amount("45000")
	if _, err := svc.Buy(ctx, TradeCommand{UserID: "u1", Symbol: "bitcoin", Amount: amount("0.1"), Price: &p}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := svc.Sell(ctx, TradeCommand{UserID: "u1", Symbol: "bitcoin", Amount: amount("0.05")})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	// 以市价 40000 卖出均价 45000 的持仓
	if !res.RealizedPnL.Equal(amount("-250")) {
		t.Errorf("realized pnl = %s", res.RealizedPnL)
	}
	if res.Portfolio.TotalTrades != 2 || res.Portfolio.ProfitableTrades != 0 {
		t.Errorf("stats = %d/%d", res.Portfolio.TotalTrades, res.Portfolio.ProfitableTrades)
	}
}

func TestTradeService_Rejections(t *testing.T) {
	svc, m := newService(t, newMemRepo(), &capturePublisher{})
	ctx := context.Background()
	zero := decimal.Zero

	tests := []struct {
		name string
		cmd  TradeCommand
		want error
	}{
		{"unknown symbol", TradeCommand{UserID: "u1", Symbol: "dogecoin", Side: domain.SideBuy, Amount: amount("1")}, domain.ErrUnknownSymbol},
		{"no market price", TradeCommand{UserID: "u1", Symbol: "cardano", Side: domain.SideBuy, Amount: amount("1")}, domain.ErrPriceUnavailable},
		{"zero explicit price", TradeCommand{UserID: "u1", Symbol: "bitcoin", Side: domain.SideBuy, Amount: amount("1"), Price: &zero}, domain.ErrInvalidPrice},
		{"bad side", TradeCommand{UserID: "u1", Symbol: "bitcoin", Side: "short", Amount: amount("1")}, domain.ErrInvalidSide},
		{"too expensive", TradeCommand{UserID: "u1", Symbol: "bitcoin", Side: domain.SideBuy, Amount: amount("1")}, domain.ErrInsufficientBalance},
		{"sell without position", TradeCommand{UserID: "u1", Symbol: "ethereum", Side: domain.SideSell, Amount: amount("1")}, domain.ErrNoPosition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Execute(ctx, tt.cmd); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if got := testutil.ToFloat64(m.TradesTotal.WithLabelValues("buy", "rejected")); got != 4 {
		t.Errorf("rejected buys = %v, want 4", got)
	}
}

func TestTradeService_RetriesOnConflict(t *testing.T) {
	repo := newMemRepo()
	repo.conflicts = 2
	svc, m := newService(t, repo, &capturePublisher{})

	if _, err := svc.Buy(context.Background(), TradeCommand{UserID: "u1", Symbol: "ethereum", Amount: amount("1")}); err != nil {
		t.Fatalf("buy should succeed on the third attempt: %v", err)
	}
	if repo.commits != 3 {
		t.Errorf("commits = %d, want 3", repo.commits)
	}
	if testutil.ToFloat64(m.TradeConflictsTotal) != 2 {
		t.Errorf("conflicts = %v", testutil.ToFloat64(m.TradeConflictsTotal))
	}
}

func TestTradeService_RetriesExhausted(t *testing.T) {
	repo := newMemRepo()
	repo.conflicts = 100
	pub := &capturePublisher{}
	svc, m := newService(t, repo, pub)

	_, err := svc.Buy(context.Background(), TradeCommand{UserID: "u1", Symbol: "ethereum", Amount: amount("1")})
	if !errors.Is(err, domain.ErrTransient) || !errors.Is(err, domain.ErrConcurrentUpdate) {
		t.Fatalf("err = %v, want transient conflict", err)
	}
	if repo.commits != 3 {
		t.Errorf("commits = %d, want MaxRetries", repo.commits)
	}
	if len(pub.events) != 0 {
		t.Error("no event should be published for a failed trade")
	}
	if testutil.ToFloat64(m.TradesTotal.WithLabelValues("buy", "conflict")) != 1 {
		t.Error("conflict outcome not counted")
	}
}

func TestTradeService_PublishFailureDoesNotFailTrade(t *testing.T) {
	svc, _ := newService(t, newMemRepo(), &capturePublisher{err: errors.New("broker down")})
	if _, err := svc.Buy(context.Background(), TradeCommand{UserID: "u1", Symbol: "ethereum", Amount: amount("1")}); err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func TestTradeService_ConcurrentBuysSameUser(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newService(t, repo, &capturePublisher{})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Buy(context.Background(), TradeCommand{UserID: "u1", Symbol: "ethereum", Amount: amount("0.1")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("buy: %v", err)
		}
	}

	p, _ := repo.Get(context.Background(), "u1")
	if p.TotalTrades != n {
		t.Errorf("total trades = %d, want %d", p.TotalTrades, n)
	}
	// 10000 - 20 * 0.1 * 2000
	if !p.Balance.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("balance = %s, want 6000", p.Balance)
	}
	h, _ := p.Holding("ethereum")
	if !h.Amount.Equal(amount("2")) {
		t.Errorf("ethereum = %s, want 2", h.Amount)
	}
}
