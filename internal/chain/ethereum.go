package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/usdc"
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// ERC20 minimal ABI for transfer, balanceOf and the Transfer event
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// escrowFactoryABI deploys the CREATE2 escrow for (owners, threshold, salt)
// if needed and pays out after checking the owner signatures.
const escrowFactoryABI = `[
	{"inputs":[{"name":"owners","type":"address[]"},{"name":"threshold","type":"uint8"},{"name":"salt","type":"bytes32"},{"name":"to","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"signatures","type":"bytes[]"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// ERC20 Transfer event signature
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const (
	// DefaultGasLimit for ERC20 transfers
	DefaultGasLimit = uint64(100000)

	// DefaultReleaseGasLimit for escrow factory releases (may deploy)
	DefaultReleaseGasLimit = uint64(400000)

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// gasPricePercent scales the node's suggested gas price per fee level
var gasPricePercent = map[FeeLevel]int64{
	FeeEconomic: 90,
	FeeNormal:   100,
	FeePriority: 125,
}

// EthereumConfig for creating an Ethereum adapter
type EthereumConfig struct {
	RPCURL        string
	PrivateKey    string // Hex string, no 0x prefix
	ChainID       int64
	TokenContract string
	EscrowFactory string
	StartBlock    uint64 // first block scanned for transfers
}

// EthereumOption configures the adapter
type EthereumOption func(*EthereumAdapter)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) EthereumOption {
	return func(a *EthereumAdapter) {
		a.client = client
	}
}

// EthereumAdapter settles orders in an ERC-20 token on an EVM chain.
// Gas is paid in the native coin, so token fees are always zero.
type EthereumAdapter struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	token      common.Address
	factory    common.Address
	tokenABI   abi.ABI
	factoryABI abi.ABI
	startBlock uint64

	mu      sync.Mutex
	watched map[common.Address]bool
}

var _ Adapter = (*EthereumAdapter)(nil)

// NewEthereumAdapter creates an adapter, dialing RPCURL unless a client is supplied.
func NewEthereumAdapter(cfg EthereumConfig, opts ...EthereumOption) (*EthereumAdapter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}
	if !common.IsHexAddress(cfg.TokenContract) || !common.IsHexAddress(cfg.EscrowFactory) {
		return nil, fmt.Errorf("%w: token and escrow factory addresses required", ErrInvalidAddress)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}

	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	factoryABI, err := abi.JSON(strings.NewReader(escrowFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow factory ABI: %w", err)
	}

	a := &EthereumAdapter{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenContract),
		factory:    common.HexToAddress(cfg.EscrowFactory),
		tokenABI:   tokenABI,
		factoryABI: factoryABI,
		startBlock: cfg.StartBlock,
		watched:    make(map[common.Address]bool),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		a.client = client
	}

	return a, nil
}

// NewAddress returns the node's account; account-model chains reuse it.
func (a *EthereumAdapter) NewAddress(ctx context.Context) (string, error) {
	return a.address.Hex(), nil
}

// Balance returns the token balance of the node's account. Token balances
// have no unconfirmed component.
func (a *EthereumAdapter) Balance(ctx context.Context) (Balance, error) {
	raw, err := a.balanceOf(ctx, a.address)
	if err != nil {
		return Balance{}, err
	}
	v, err := usdc.FromBig(raw)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Confirmed: v}, nil
}

func (a *EthereumAdapter) balanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := a.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %v", ErrUnavailable, err)
	}
	return new(big.Int).SetBytes(result), nil
}

// Spend transfers tokens from the node's account.
func (a *EthereumAdapter) Spend(ctx context.Context, to string, amount uint64, fee FeeLevel) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	if amount == 0 {
		return "", ErrInvalidAmount
	}
	data, err := a.tokenABI.Pack("transfer", common.HexToAddress(to), usdc.ToBig(amount))
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}
	return a.send(ctx, a.privateKey, a.token, data, DefaultGasLimit, fee)
}

// Watch records interest in address. Logs are pulled on demand, so this
// only matters for bookkeeping.
func (a *EthereumAdapter) Watch(ctx context.Context, address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	a.mu.Lock()
	a.watched[common.HexToAddress(address)] = true
	a.mu.Unlock()
	return nil
}

// TransactionsFor scans token Transfer logs into and out of address and
// folds them per transaction hash.
func (a *EthereumAdapter) TransactionsFor(ctx context.Context, address string) ([]Tx, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	addr := common.HexToAddress(address)
	addrTopic := common.BytesToHash(addr.Bytes())

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", ErrUnavailable, err)
	}

	base := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(a.startBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{a.token},
	}
	inbound := base
	inbound.Topics = [][]common.Hash{{transferEventSig}, nil, {addrTopic}}
	outbound := base
	outbound.Topics = [][]common.Hash{{transferEventSig}, {addrTopic}}

	var logs []types.Log
	for _, q := range []ethereum.FilterQuery{inbound, outbound} {
		found, err := a.client.FilterLogs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: filter logs: %v", ErrUnavailable, err)
		}
		logs = append(logs, found...)
	}

	byHash := make(map[common.Hash]*Tx)
	seen := make(map[string]bool)
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 3 {
			continue
		}
		// A self-transfer matches both queries; count each log once.
		key := fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index)
		if seen[key] {
			continue
		}
		seen[key] = true

		amount, err := usdc.FromBig(new(big.Int).SetBytes(l.Data))
		if err != nil {
			return nil, err
		}
		from := common.HexToAddress(l.Topics[1].Hex())
		to := common.HexToAddress(l.Topics[2].Hex())

		tx, ok := byHash[l.TxHash]
		if !ok {
			var confs uint64
			if head >= l.BlockNumber {
				confs = head - l.BlockNumber + 1
			}
			tx = &Tx{
				TxID:          l.TxHash.Hex(),
				Address:       addr.Hex(),
				Confirmations: confs,
				Height:        l.BlockNumber,
			}
			byHash[l.TxHash] = tx
		}
		if to == addr {
			tx.Value += int64(amount)
		}
		if from == addr {
			tx.Value -= int64(amount)
		}
	}

	out := make([]Tx, 0, len(byHash))
	for _, tx := range byHash {
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return out[i].TxID < out[j].TxID
	})
	return out, nil
}

// Release pays out of escrow. Direct escrow is a plain transfer signed by
// the vendor's child key; multisig escrow goes through the factory.
func (a *EthereumAdapter) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	if err := req.Payout.Validate(); err != nil {
		return "", err
	}

	if req.Script.Kind == escrow.KindDirect {
		if req.SignerKey == nil {
			return "", &TxError{Op: "release", Err: escrow.ErrMissingKey}
		}
		if len(req.Payout.Outputs) != 1 {
			return "", &TxError{Op: "release", Err: errors.New("direct escrow pays a single output")}
		}
		out := req.Payout.Outputs[0]
		data, err := a.tokenABI.Pack("transfer", common.HexToAddress(out.Address), usdc.ToBig(out.Amount))
		if err != nil {
			return "", &TxError{Op: "pack", Err: err}
		}
		return a.send(ctx, req.SignerKey, a.token, data, DefaultGasLimit, FeeNormal)
	}

	if err := req.Script.VerifyPayout(req.Payout, req.Signatures); err != nil {
		return "", &TxError{Op: "release", Err: err}
	}

	owners := make([]common.Address, len(req.Script.Owners))
	for i, o := range req.Script.Owners {
		owners[i] = common.HexToAddress(o)
	}
	to := make([]common.Address, len(req.Payout.Outputs))
	amounts := make([]*big.Int, len(req.Payout.Outputs))
	for i, o := range req.Payout.Outputs {
		to[i] = common.HexToAddress(o.Address)
		amounts[i] = usdc.ToBig(o.Amount)
	}
	sigs := make([][]byte, 0, len(req.Signatures))
	for _, s := range req.Signatures {
		raw := common.FromHex(s.Signature)
		if len(raw) != crypto.SignatureLength {
			return "", &TxError{Op: "release", Err: escrow.ErrInvalidSignature}
		}
		// The contract's ecrecover expects v in {27, 28}.
		fixed := append([]byte(nil), raw...)
		fixed[64] += 27
		sigs = append(sigs, fixed)
	}

	data, err := a.factoryABI.Pack("release", owners, uint8(req.Script.Threshold), common.HexToHash(req.Script.Salt), to, amounts, sigs)
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}
	return a.send(ctx, a.privateKey, a.factory, data, DefaultReleaseGasLimit, FeeNormal)
}

// EstimateFee is zero: gas is paid in the native coin, not the token.
func (a *EthereumAdapter) EstimateFee(fee FeeLevel) uint64 {
	return 0
}

// WaitForReceipt waits for a transaction to be mined
func (a *EthereumAdapter) WaitForReceipt(ctx context.Context, txID string, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txID))
			if err != nil {
				// Not yet mined
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TxError{Op: "confirm", TxID: txID, Err: ErrTransactionFailed}
			}
			return receipt, nil
		}
	}
}

// Close closes the client connection
func (a *EthereumAdapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

func (a *EthereumAdapter) send(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte, fallbackGas uint64, fee FeeLevel) (string, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	pct, ok := gasPricePercent[fee]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFeeLevel, fee)
	}

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", &TxError{Op: "nonce", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TxError{Op: "gas_price", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(pct)), big.NewInt(100))

	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = fallbackGas
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), key)
	if err != nil {
		return "", &TxError{Op: "sign", Err: err}
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", &TxError{Op: "send", TxID: signed.Hash().Hex(), Err: err}
	}
	return signed.Hash().Hex(), nil
}
