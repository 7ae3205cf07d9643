// Package node assembles one marketplace participant: identity, storage,
// ledger, peer messaging, the order service and its background loops.
package node

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/circuitbreaker"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/health"
	"github.com/mbd888/tradenode/internal/listing"
	"github.com/mbd888/tradenode/internal/messaging"
	"github.com/mbd888/tradenode/internal/metrics"
	"github.com/mbd888/tradenode/internal/moderator"
	"github.com/mbd888/tradenode/internal/order"
	"github.com/mbd888/tradenode/internal/realtime"
	"github.com/mbd888/tradenode/internal/reconcile"
	"github.com/mbd888/tradenode/internal/retry"
)

var (
	ErrAlreadyStarted = errors.New("node: already started")
	ErrStopped        = errors.New("node: stopped")
)

// MaxOutboxBacklog marks the node unhealthy when more messages than this
// are waiting for delivery.
const MaxOutboxBacklog = 1000

// Membership is implemented by transports that need to know which local
// peers are online, like the in-process network.
type Membership interface {
	Join(peer string, r messaging.Receiver)
	Leave(peer string)
}

// Config wires a node. Key, Ledger, Transport and Builder are required.
//
// Storage is chosen like this: DB selects Postgres, otherwise Storage or
// DataDir selects goleveldb, otherwise everything lives in memory.
type Config struct {
	Key       *ecdsa.PrivateKey
	Ledger    chain.Adapter
	Transport messaging.Transport
	Builder   *escrow.Builder

	DB      *sql.DB
	Storage storage.Storage
	DataDir string

	Listings   listing.Store
	Moderators moderator.Registry

	ReconcileInterval time.Duration
	OutboxInterval    time.Duration
	MaxAttempts       int
	RetryPolicy       *retry.Policy
	Breaker           *circuitbreaker.Breaker // per-peer delivery breaker; nil keeps the messenger's
	Logger            *slog.Logger
}

// Profile is what the node says about itself.
type Profile struct {
	PeerID      string `json:"peerId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Vendor      bool   `json:"vendor"`
	Moderator   bool   `json:"moderator"`
}

// Node is a running participant. A node is started once; restart by
// building a new node on the same storage.
type Node struct {
	id         string
	key        *ecdsa.PrivateKey
	ledger     chain.Adapter
	transport  messaging.Transport
	listings   listing.Store
	moderators moderator.Registry
	logger     *slog.Logger

	db      *sql.DB
	ldb     *leveldb.DB // opened by the node, closed on Stop
	outbox  messaging.Outbox
	storage string

	orders     *order.Service
	messenger  *messaging.Messenger
	reconciler *reconcile.Reconciler
	timer      *reconcile.Timer
	hub        *realtime.Hub
	health     *health.Registry

	profileMu sync.RWMutex
	profile   Profile

	mu      sync.Mutex
	state   int // 0 new, 1 running, 2 stopped
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopErr error
}

// New builds a node without starting it.
func New(cfg Config) (*Node, error) {
	if cfg.Key == nil || cfg.Ledger == nil || cfg.Transport == nil || cfg.Builder == nil {
		return nil, errors.New("node: key, ledger, transport and builder are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		id:         escrow.PeerID(&cfg.Key.PublicKey),
		key:        cfg.Key,
		ledger:     cfg.Ledger,
		transport:  cfg.Transport,
		listings:   cfg.Listings,
		moderators: cfg.Moderators,
		db:         cfg.DB,
		health:     health.NewRegistry(),
	}
	n.logger = logger.With("peerId", n.id)
	n.profile = Profile{PeerID: n.id}
	if n.listings == nil {
		n.listings = listing.NewMemoryStore()
	}
	if n.moderators == nil {
		n.moderators = moderator.NewMemoryRegistry()
	}

	var store order.Store
	switch {
	case cfg.DB != nil:
		store = order.NewPostgresStore(cfg.DB)
		n.outbox = messaging.NewPostgresOutbox(cfg.DB)
		n.storage = "postgres"
	case cfg.Storage != nil || cfg.DataDir != "":
		var (
			ldb *leveldb.DB
			err error
		)
		if cfg.Storage != nil {
			ldb, err = leveldb.Open(cfg.Storage, nil)
		} else {
			ldb, err = leveldb.OpenFile(cfg.DataDir, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("node: open leveldb: %w", err)
		}
		n.ldb = ldb
		store = order.NewLevelDBStore(ldb)
		n.outbox = messaging.NewLevelDBOutbox(ldb)
		n.storage = "leveldb"
	default:
		store = order.NewMemoryStore()
		n.outbox = messaging.NewMemoryOutbox()
		n.storage = "memory"
	}

	msgOpts := []messaging.Option{messaging.WithLogger(n.logger)}
	if cfg.OutboxInterval > 0 {
		msgOpts = append(msgOpts, messaging.WithInterval(cfg.OutboxInterval))
	}
	if cfg.MaxAttempts > 0 {
		msgOpts = append(msgOpts, messaging.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.RetryPolicy != nil {
		msgOpts = append(msgOpts, messaging.WithRetryPolicy(*cfg.RetryPolicy))
	}
	if cfg.Breaker != nil {
		msgOpts = append(msgOpts, messaging.WithBreaker(cfg.Breaker))
	}
	n.messenger = messaging.NewMessenger(cfg.Key, cfg.Transport, n.outbox, msgOpts...)

	n.orders = order.NewService(store, n.messenger, cfg.Ledger, cfg.Builder, cfg.Key).
		WithListings(n.listings).
		WithModerators(n.moderators).
		WithLogger(n.logger)
	n.messenger.SetHandler(n.orders)

	n.reconciler = reconcile.New(cfg.Ledger, n.orders, n.logger)
	if cfg.RetryPolicy != nil {
		n.reconciler.WithRetryPolicy(*cfg.RetryPolicy)
	}
	n.orders.WithWatcher(n.reconciler)
	n.timer = reconcile.NewTimer(n.reconciler, cfg.ReconcileInterval, n.logger)

	n.hub = realtime.NewHub(n.logger)
	n.orders.OnChange(n.hub.PublishOrder)

	n.health.Register("ledger", health.Probe("ledger", func(ctx context.Context) error {
		_, err := n.ledger.Balance(ctx)
		return err
	}))
	n.health.Register("outbox", health.Running("outbox", n.messenger.Running))
	n.health.Register("reconciler", health.Running("reconciler", n.timer.Running))
	n.health.Register("backlog", health.Backlog("backlog", MaxOutboxBacklog, n.messenger.Pending))
	if cfg.DB != nil {
		n.health.Register("database", health.Probe("database", cfg.DB.PingContext))
	}

	return n, nil
}

// ID is the node's peer id.
func (n *Node) ID() string { return n.id }

// Key is the node's identity key.
func (n *Node) Key() *ecdsa.PrivateKey { return n.key }

func (n *Node) Orders() *order.Service              { return n.orders }
func (n *Node) Messenger() *messaging.Messenger     { return n.messenger }
func (n *Node) Reconciler() *reconcile.Reconciler   { return n.reconciler }
func (n *Node) Hub() *realtime.Hub                  { return n.hub }
func (n *Node) Health() *health.Registry            { return n.health }
func (n *Node) Ledger() chain.Adapter               { return n.ledger }
func (n *Node) Listings() listing.Store             { return n.listings }
func (n *Node) Moderators() moderator.Registry      { return n.moderators }
func (n *Node) Transport() messaging.Transport      { return n.transport }
func (n *Node) StorageKind() string                 { return n.storage }
func (n *Node) OutboxDepth(ctx context.Context) int { return n.messenger.Pending(ctx) }

// Profile returns the node's self-description.
func (n *Node) Profile() Profile {
	n.profileMu.RLock()
	defer n.profileMu.RUnlock()
	return n.profile
}

// SetProfile replaces the node's self-description. PeerID is always the
// node's own.
func (n *Node) SetProfile(p Profile) Profile {
	p.PeerID = n.id
	n.profileMu.Lock()
	n.profile = p
	n.profileMu.Unlock()
	return p
}

// RegisterModerator publishes this node as a moderator.
func (n *Node) RegisterModerator(ctx context.Context, name, description string, fee uint64) (*moderator.Profile, error) {
	p := &moderator.Profile{
		PeerID:      n.id,
		Name:        name,
		Description: description,
		Fee:         fee,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := n.moderators.Register(ctx, p); err != nil {
		return nil, err
	}
	n.profileMu.Lock()
	n.profile.Moderator = true
	n.profileMu.Unlock()
	return p, nil
}

// Running reports whether Start has been called and Stop has not.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == 1
}

// Start resumes watching every unsettled order, flushes messages queued
// before the last shutdown, goes online and starts the background loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case 1:
		return ErrAlreadyStarted
	case 2:
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.state = 1

	if err := n.reconciler.Resume(runCtx); err != nil {
		n.logger.Warn("resume incomplete, the reconcile loop will retry", "error", err)
	}
	if m, ok := n.transport.(Membership); ok {
		m.Join(n.id, n.messenger)
	}
	if delivered := n.messenger.Flush(runCtx); delivered > 0 {
		n.logger.Info("delivered queued messages", "count", delivered)
	}

	n.spawn(func() { n.hub.Run(runCtx) })
	n.spawn(func() { n.messenger.Start(runCtx) })
	n.spawn(func() { n.timer.Start(runCtx) })
	n.spawn(func() { metrics.StartCollector(runCtx, n.db, 15*time.Second, n.sampleMetrics) })

	n.logger.Info("node started", "storage", n.storage)
	return nil
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Stop takes the node offline, stops its loops and closes storage it
// opened. It is safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == 2 {
		return n.stopErr
	}
	wasRunning := n.state == 1
	n.state = 2

	if wasRunning {
		if m, ok := n.transport.(Membership); ok {
			m.Leave(n.id)
		}
		n.timer.Stop()
		n.messenger.Stop()
		n.cancel()
		n.wg.Wait()
	}

	if n.ldb != nil {
		if err := n.ldb.Close(); err != nil {
			n.stopErr = fmt.Errorf("node: close leveldb: %w", err)
		}
	}
	n.logger.Info("node stopped")
	return n.stopErr
}

// sampleMetrics refreshes the per-state order gauge and outbox depth.
func (n *Node) sampleMetrics(ctx context.Context) {
	orders, err := n.orders.List(ctx, order.Filter{})
	if err != nil {
		n.logger.Warn("metrics: list orders failed", "error", err)
		return
	}
	counts := make(map[[2]string]int)
	for _, o := range orders {
		counts[[2]string{string(o.Role), string(o.State)}]++
	}
	metrics.OrdersByState.Reset()
	for k, v := range counts {
		metrics.OrdersByState.WithLabelValues(k[0], k[1]).Set(float64(v))
	}
	metrics.OutboxDepth.Set(float64(n.messenger.Pending(ctx)))
}
