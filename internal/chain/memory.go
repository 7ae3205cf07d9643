package chain

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/tradenode/internal/escrow"
)

// DefaultFees are the fixed fees the in-memory network charges per level.
var DefaultFees = map[FeeLevel]uint64{
	FeeEconomic: 500,
	FeeNormal:   1_000,
	FeePriority: 2_000,
}

type movement struct {
	address string
	amount  uint64
}

type ledgerTx struct {
	id      string
	inputs  []movement
	outputs []movement
	height  uint64 // 0 = mempool
	time    time.Time
}

func (tx *ledgerTx) touches(addr string) bool {
	for _, m := range tx.inputs {
		if m.address == addr {
			return true
		}
	}
	for _, m := range tx.outputs {
		if m.address == addr {
			return true
		}
	}
	return false
}

func (tx *ledgerTx) valueFor(addr string) int64 {
	var v int64
	for _, m := range tx.outputs {
		if m.address == addr {
			v += int64(m.amount)
		}
	}
	for _, m := range tx.inputs {
		if m.address == addr {
			v -= int64(m.amount)
		}
	}
	return v
}

// MemoryNetwork is a single shared ledger for nodes running in one process.
// Transactions land in a mempool and are confirmed by Mine, the way a
// regtest chain behaves. Every node gets its own MemoryWallet on top.
type MemoryNetwork struct {
	mu      sync.Mutex
	height  uint64
	txs     []*ledgerTx
	byID    map[string]*ledgerTx
	fees    map[FeeLevel]uint64
	wallets []*MemoryWallet
}

// NewMemoryNetwork creates an empty ledger at height 0.
func NewMemoryNetwork() *MemoryNetwork {
	fees := make(map[FeeLevel]uint64, len(DefaultFees))
	for k, v := range DefaultFees {
		fees[k] = v
	}
	return &MemoryNetwork{
		byID: make(map[string]*ledgerTx),
		fees: fees,
	}
}

// NewWallet attaches a wallet to the network.
func (n *MemoryNetwork) NewWallet() *MemoryWallet {
	w := &MemoryWallet{
		network: n,
		keys:    make(map[string]*ecdsa.PrivateKey),
		watched: make(map[string]bool),
		updates: make(chan string, 256),
	}
	n.mu.Lock()
	n.wallets = append(n.wallets, w)
	n.mu.Unlock()
	return w
}

// Height returns the current block height.
func (n *MemoryNetwork) Height() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height
}

// Fund mints amount to address in a new block, like generatetoaddress.
func (n *MemoryNetwork) Fund(address string, amount uint64) (string, error) {
	addr, err := normalize(address)
	if err != nil {
		return "", err
	}
	if amount == 0 {
		return "", ErrInvalidAmount
	}

	n.mu.Lock()
	n.height++
	tx := &ledgerTx{
		id:      randomTxID(),
		outputs: []movement{{address: addr, amount: amount}},
		height:  n.height,
		time:    time.Now(),
	}
	n.appendLocked(tx)
	n.mu.Unlock()

	n.notify(tx)
	return tx.id, nil
}

// Mine confirms everything in the mempool and advances the chain by blocks.
func (n *MemoryNetwork) Mine(blocks int) {
	if blocks <= 0 {
		return
	}
	n.mu.Lock()
	n.height++
	var mined []*ledgerTx
	for _, tx := range n.txs {
		if tx.height == 0 {
			tx.height = n.height
			mined = append(mined, tx)
		}
	}
	n.height += uint64(blocks - 1)
	n.mu.Unlock()

	for _, tx := range mined {
		n.notify(tx)
	}
}

// NetBalance returns confirmed+unconfirmed value held at address.
func (n *MemoryNetwork) NetBalance(address string) int64 {
	addr, err := normalize(address)
	if err != nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.netLocked(addr)
}

func (n *MemoryNetwork) netLocked(addr string) int64 {
	var net int64
	for _, tx := range n.txs {
		net += tx.valueFor(addr)
	}
	return net
}

func (n *MemoryNetwork) appendLocked(tx *ledgerTx) {
	n.txs = append(n.txs, tx)
	n.byID[tx.id] = tx
}

func (n *MemoryNetwork) notify(tx *ledgerTx) {
	n.mu.Lock()
	wallets := append([]*MemoryWallet(nil), n.wallets...)
	n.mu.Unlock()

	for _, w := range wallets {
		w.notify(tx)
	}
}

func (n *MemoryNetwork) transactionsFor(addr string) []Tx {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Tx
	for _, tx := range n.txs {
		if !tx.touches(addr) {
			continue
		}
		var confs uint64
		if tx.height > 0 {
			confs = n.height - tx.height + 1
		}
		out = append(out, Tx{
			TxID:          tx.id,
			Address:       addr,
			Value:         tx.valueFor(addr),
			Confirmations: confs,
			Height:        tx.height,
			Timestamp:     tx.time,
		})
	}
	return out
}

func (n *MemoryNetwork) spend(from []string, to string, amount, fee uint64) (*ledgerTx, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	need := amount + fee
	var inputs []movement
	for _, addr := range from {
		if need == 0 {
			break
		}
		avail := n.netLocked(addr)
		if avail <= 0 {
			continue
		}
		take := uint64(avail)
		if take > need {
			take = need
		}
		inputs = append(inputs, movement{address: addr, amount: take})
		need -= take
	}
	if need > 0 {
		return nil, fmt.Errorf("%w: short by %d", ErrInsufficientFunds, need)
	}

	tx := &ledgerTx{
		id:      randomTxID(),
		inputs:  inputs,
		outputs: []movement{{address: to, amount: amount}},
		time:    time.Now(),
	}
	n.appendLocked(tx)
	return tx, nil
}

func (n *MemoryNetwork) release(req ReleaseRequest) (*ledgerTx, bool, error) {
	digest, err := req.Payout.Digest()
	if err != nil {
		return nil, false, err
	}
	sigs := req.Signatures
	if req.Script.Kind == escrow.KindDirect && req.SignerKey != nil {
		sig, err := escrow.SignPayout(req.SignerKey, req.Payout)
		if err != nil {
			return nil, false, err
		}
		sigs = escrow.MergeSignatures(sigs, sig)
	}
	if err := req.Script.VerifyPayout(req.Payout, sigs); err != nil {
		return nil, false, err
	}

	from, err := normalize(req.Payout.EscrowAddress)
	if err != nil {
		return nil, false, err
	}
	id := strings.TrimPrefix(digest.Hex(), "0x")

	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.byID[id]; ok {
		return existing, false, nil
	}

	held := n.netLocked(from)
	if held <= 0 || uint64(held) < req.Payout.Total() {
		return nil, false, fmt.Errorf("%w: escrow holds %d, payout needs %d", ErrInsufficientFunds, held, req.Payout.Total())
	}

	outputs := make([]movement, 0, len(req.Payout.Outputs))
	for _, o := range req.Payout.Outputs {
		addr, err := normalize(o.Address)
		if err != nil {
			return nil, false, err
		}
		outputs = append(outputs, movement{address: addr, amount: o.Amount})
	}

	tx := &ledgerTx{
		id:      id,
		inputs:  []movement{{address: from, amount: uint64(held)}},
		outputs: outputs,
		time:    time.Now(),
	}
	n.appendLocked(tx)
	return tx, true, nil
}

// -----------------------------------------------------------------------------
// Wallet
// -----------------------------------------------------------------------------

// MemoryWallet is one node's Adapter on a MemoryNetwork.
type MemoryWallet struct {
	network *MemoryNetwork

	mu      sync.Mutex
	keys    map[string]*ecdsa.PrivateKey
	owned   []string
	watched map[string]bool
	updates chan string
	offline atomic.Bool
}

var (
	_ Adapter  = (*MemoryWallet)(nil)
	_ Notifier = (*MemoryWallet)(nil)
)

// SetOffline makes every call fail with ErrUnavailable until cleared.
func (w *MemoryWallet) SetOffline(offline bool) {
	w.offline.Store(offline)
}

func (w *MemoryWallet) available() error {
	if w.offline.Load() {
		return fmt.Errorf("%w: simulated outage", ErrUnavailable)
	}
	return nil
}

// NewAddress generates a fresh key owned by this wallet.
func (w *MemoryWallet) NewAddress(ctx context.Context) (string, error) {
	if err := w.available(); err != nil {
		return "", err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("chain: generate key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w.mu.Lock()
	w.keys[addr] = key
	w.owned = append(w.owned, addr)
	w.watched[addr] = true
	w.mu.Unlock()
	return addr, nil
}

// Balance sums the wallet's addresses.
func (w *MemoryWallet) Balance(ctx context.Context) (Balance, error) {
	if err := w.available(); err != nil {
		return Balance{}, err
	}
	w.mu.Lock()
	owned := append([]string(nil), w.owned...)
	w.mu.Unlock()

	var confirmed, pending int64
	for _, addr := range owned {
		for _, tx := range w.network.transactionsFor(addr) {
			if tx.Confirmations > 0 {
				confirmed += tx.Value
			} else {
				pending += tx.Value
			}
		}
	}

	total := confirmed + pending
	if total < 0 {
		total = 0
	}
	if confirmed > total {
		confirmed = total
	}
	if confirmed < 0 {
		confirmed = 0
	}
	return Balance{Confirmed: uint64(confirmed), Unconfirmed: uint64(total - confirmed)}, nil
}

// Spend pays amount to address from the wallet, burning the level's fee.
func (w *MemoryWallet) Spend(ctx context.Context, to string, amount uint64, fee FeeLevel) (string, error) {
	if err := w.available(); err != nil {
		return "", err
	}
	dest, err := normalize(to)
	if err != nil {
		return "", err
	}
	if amount == 0 {
		return "", ErrInvalidAmount
	}
	feeAmt, ok := w.network.fees[fee]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFeeLevel, fee)
	}

	w.mu.Lock()
	owned := append([]string(nil), w.owned...)
	w.mu.Unlock()

	tx, err := w.network.spend(owned, dest, amount, feeAmt)
	if err != nil {
		return "", &TxError{Op: "spend", Err: err}
	}
	w.network.notify(tx)
	return tx.id, nil
}

// Watch asks for notifications about address.
func (w *MemoryWallet) Watch(ctx context.Context, address string) error {
	if err := w.available(); err != nil {
		return err
	}
	addr, err := normalize(address)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.watched[addr] = true
	w.mu.Unlock()
	return nil
}

// TransactionsFor lists every transaction touching address.
func (w *MemoryWallet) TransactionsFor(ctx context.Context, address string) ([]Tx, error) {
	if err := w.available(); err != nil {
		return nil, err
	}
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}
	txs := w.network.transactionsFor(addr)
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp.Before(txs[j].Timestamp) })
	return txs, nil
}

// Release broadcasts a payout out of escrow. Broadcasting the same payout
// twice returns the original txid.
func (w *MemoryWallet) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	if err := w.available(); err != nil {
		return "", err
	}
	tx, fresh, err := w.network.release(req)
	if err != nil {
		return "", &TxError{Op: "release", Err: err}
	}
	if fresh {
		w.network.notify(tx)
	}
	return tx.id, nil
}

// EstimateFee returns the fixed fee for level.
func (w *MemoryWallet) EstimateFee(fee FeeLevel) uint64 {
	return w.network.fees[fee]
}

// Updates streams addresses this wallet watches whenever they see activity.
func (w *MemoryWallet) Updates() <-chan string {
	return w.updates
}

// Close is a no-op; the network outlives its wallets.
func (w *MemoryWallet) Close() error {
	return nil
}

func (w *MemoryWallet) notify(tx *ledgerTx) {
	w.mu.Lock()
	var hits []string
	for addr := range w.watched {
		if tx.touches(addr) {
			hits = append(hits, addr)
		}
	}
	w.mu.Unlock()

	for _, addr := range hits {
		select {
		case w.updates <- addr:
		default:
		}
	}
}

func normalize(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return common.HexToAddress(address).Hex(), nil
}

func randomTxID() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
