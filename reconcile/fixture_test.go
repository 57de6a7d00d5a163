package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
	memstore "github.com/warp/payment-reconciler/generic/store"
	"github.com/warp/payment-reconciler/notify"
)

const fakeName = "fake"

// =============================================================================
// FAKE GATEWAY
// =============================================================================

type fakeGateway struct {
	mu         sync.Mutex
	verify     map[generic.TxRef]gateway.PaymentEvent
	verifyErr  map[generic.TxRef]error
	verifyHits int
	createErr  error
	created    []gateway.CheckoutRequest
	issued     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		verify:    map[generic.TxRef]gateway.PaymentEvent{},
		verifyErr: map[generic.TxRef]error{},
	}
}

func (g *fakeGateway) Name() string { return fakeName }

func (g *fakeGateway) ParseWebhook(http.Header, []byte) (gateway.PaymentEvent, error) {
	return gateway.PaymentEvent{}, errors.New("not used")
}

func (g *fakeGateway) Verify(_ context.Context, req gateway.VerifyRequest) (gateway.PaymentEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyHits++
	if err, ok := g.verifyErr[req.TxRef]; ok {
		return gateway.PaymentEvent{}, err
	}
	if ev, ok := g.verify[req.TxRef]; ok {
		return ev, nil
	}
	return gateway.PaymentEvent{TxRef: req.TxRef, Gateway: fakeName, Status: gateway.StatusPending}, nil
}

func (g *fakeGateway) CreateTransaction(_ context.Context, req gateway.CheckoutRequest) (gateway.CheckoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	if g.createErr != nil {
		return gateway.CheckoutResult{}, g.createErr
	}
	return gateway.CheckoutResult{
		RedirectURL:   "https://pay.example/" + string(req.TxRef),
		TransactionID: "trx-" + string(req.TxRef),
		Details:       map[string]string{"fake_session": "sess-1"},
	}, nil
}

func (g *fakeGateway) IssueVirtualAccount(_ context.Context, req gateway.AccountRequest) (generic.VirtualAccount, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issued++
	return generic.VirtualAccount{
		Gateway:       fakeName,
		AccountNumber: "0123456789",
		AccountName:   req.Name,
		BankName:      "Test Bank",
		Reference:     "acct-" + string(req.UserID),
	}, nil
}

func (g *fakeGateway) answer(ev gateway.PaymentEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ev.Gateway == "" {
		ev.Gateway = fakeName
	}
	g.verify[ev.TxRef] = ev
}

func (g *fakeGateway) fail(ref generic.TxRef, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyErr[ref] = err
}

// =============================================================================
// CLOCK & NOTIFIER
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

// =============================================================================
// FAILURE INJECTION
// =============================================================================

// flakyStore fails the next failSaveUser SaveUser calls made inside a
// transaction, after the payment and order writes have already happened.
type flakyStore struct {
	generic.TxStore
	mu           sync.Mutex
	failSaveUser int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return f.TxStore.WithTx(ctx, func(tx generic.Store) error {
		return fn(&flakyTx{Store: tx, parent: f})
	})
}

type flakyTx struct {
	generic.Store
	parent *flakyStore
}

func (t *flakyTx) SaveUser(ctx context.Context, u generic.User) error {
	t.parent.mu.Lock()
	fail := t.parent.failSaveUser > 0
	if fail {
		t.parent.failSaveUser--
	}
	t.parent.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return t.Store.SaveUser(ctx, u)
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memstore.TxMemory
	gw     *fakeGateway
	clock  *testClock
	notes  *recordingNotifier
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memstore.NewTxMemory(),
		gw:    newFakeGateway(),
		clock: &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		notes: &recordingNotifier{},
	}
	f.engine = f.build(f.store, opts...)
	return f
}

func (f *fixture) build(store generic.TxStore, opts ...Option) *Engine {
	base := []Option{
		WithClock(f.clock.Now),
		WithNotifier(f.notes),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewEngine(store, gateway.NewRegistry(f.gw), append(base, opts...)...)
}

func (f *fixture) user(id generic.UserID) generic.User {
	f.t.Helper()
	u, err := f.engine.RegisterUser(f.ctx, generic.User{ID: id, Email: string(id) + "@example.com", Name: "Ada", Currency: "NGN"})
	require.NoError(f.t, err)
	return u
}

func (f *fixture) product(id generic.ProductID, stock int) {
	f.t.Helper()
	_, err := f.engine.CreateProduct(f.ctx, generic.Product{ID: id, Name: string(id), Stock: stock}, "seed")
	require.NoError(f.t, err)
}

func (f *fixture) order(id generic.OrderID, user generic.UserID, amount string, items ...generic.OrderItem) generic.Order {
	f.t.Helper()
	o, err := f.engine.PlaceOrder(f.ctx, PlaceOrderRequest{
		ID:         id,
		CustomerID: user,
		Amount:     generic.MustParseMoney(amount),
		Items:      items,
	})
	require.NoError(f.t, err)
	return o
}

// storedOrder writes an order straight to the store, skipping the catalogue
// check PlaceOrder makes. Orders imported from elsewhere look like this.
func (f *fixture) storedOrder(id generic.OrderID, user generic.UserID, amount string, items ...generic.OrderItem) generic.Order {
	f.t.Helper()
	now := f.clock.Now()
	o := generic.Order{
		ID:            id,
		CustomerID:    user,
		Amount:        generic.MustParseMoney(amount),
		AmountPaid:    generic.MustParseMoney("0"),
		Currency:      "NGN",
		Status:        generic.OrderPending,
		PaymentStatus: generic.PaymentNotPaid,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(f.t, f.store.SaveOrder(f.ctx, o))
	o.Version = 1
	return o
}

// payment records a pending checkout payment without calling the gateway.
func (f *fixture) payment(ref generic.TxRef, order generic.Order, amount string) {
	f.t.Helper()
	now := f.clock.Now()
	require.NoError(f.t, f.store.CreatePayment(f.ctx, generic.Payment{
		TxRef:     ref,
		OrderID:   order.ID,
		UserID:    order.CustomerID,
		Gateway:   fakeName,
		Status:    generic.TxPending,
		Amount:    generic.MustParseMoney(amount),
		Currency:  "NGN",
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(DefaultPendingTTL),
	}))
}

func (f *fixture) getOrder(id generic.OrderID) generic.Order {
	f.t.Helper()
	o, err := f.store.GetOrder(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, o)
	return *o
}

func (f *fixture) getUser(id generic.UserID) generic.User {
	f.t.Helper()
	u, err := f.store.GetUser(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, u)
	return *u
}

func (f *fixture) getPayment(ref generic.TxRef) generic.Payment {
	f.t.Helper()
	p, err := f.store.GetPayment(f.ctx, ref)
	require.NoError(f.t, err)
	require.NotNil(f.t, p)
	return *p
}

func (f *fixture) logs(action generic.AdminAction) []generic.AdminLog {
	f.t.Helper()
	logs, err := f.store.QueryAdminLogs(f.ctx, generic.AdminLogFilter{Actions: []generic.AdminAction{action}})
	require.NoError(f.t, err)
	return logs
}

func event(ref generic.TxRef, status gateway.EventStatus, amount string) gateway.PaymentEvent {
	return gateway.PaymentEvent{
		TxRef:        ref,
		Gateway:      fakeName,
		Status:       status,
		AmountPaid:   generic.MustParseMoney(amount),
		RawReference: "raw-" + string(ref),
		Origin:       gateway.OriginWebhook,
	}
}

func money(s string) generic.Money { return generic.MustParseMoney(s) }
