// Package escrow derives order payment destinations and verifies payouts
// from them.
//
// Direct orders pay into a per-order child address of the vendor's key, so
// only the vendor can move the funds. Moderated orders pay into a
// deterministic multisig escrow shared by buyer, vendor and moderator:
//
//  1. Each party's per-order child key is derived from its public key,
//     the buyer's chaincode and the payment amount
//  2. The child addresses, sorted, form the owner set
//  3. The escrow address is the CREATE2 address of the escrow factory for
//     a salt committing to threshold, owners, amount and chaincode
//  4. Moving funds needs threshold distinct owner signatures over a payout
//
// Every step is a pure function of public inputs, so buyer, vendor and
// moderator each compute the same address without trusting one another.
package escrow

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMissingKey       = errors.New("escrow: missing participant key")
	ErrInvalidThreshold = errors.New("escrow: invalid signature threshold")
	ErrInvalidChaincode = errors.New("escrow: chaincode must be 32 bytes")
	ErrInvalidPeerID    = errors.New("escrow: invalid peer id")
	ErrInvalidAmount    = errors.New("escrow: amount must be positive")
	ErrAddressMismatch  = errors.New("escrow: payment address does not match derived address")
	ErrInvalidPayout    = errors.New("escrow: invalid payout")
	ErrInvalidSignature = errors.New("escrow: invalid signature")
	ErrNotOwner         = errors.New("escrow: signer is not an escrow owner")
	ErrThresholdNotMet  = errors.New("escrow: not enough owner signatures")
)

// Kind distinguishes vendor-held from multisig escrow.
type Kind string

const (
	KindDirect   Kind = "direct"
	KindMultisig Kind = "multisig"
)

// ChaincodeSize is the length of the buyer-chosen per-order entropy.
const ChaincodeSize = 32

// DefaultInitCodeHash identifies the escrow contract bytecode when no
// deployment-specific hash is configured.
var DefaultInitCodeHash = crypto.Keccak256Hash([]byte("tradenode/escrow/v1"))

// Params are the public inputs of an order's escrow.
type Params struct {
	Buyer     *ecdsa.PublicKey
	Vendor    *ecdsa.PublicKey
	Moderator *ecdsa.PublicKey // nil for direct orders
	Amount    uint64
	Chaincode []byte
	Threshold int // 0 = builder default
}

// Moderated reports whether the order uses multisig escrow.
func (p Params) Moderated() bool {
	return p.Moderator != nil
}

// Script describes how funds at Address can be moved.
type Script struct {
	Kind      Kind     `json:"kind"`
	Threshold int      `json:"threshold"`
	Owners    []string `json:"owners"`
	Salt      string   `json:"salt,omitempty"`
	Address   string   `json:"address"`
}

// Builder derives escrow scripts for one deployment.
type Builder struct {
	factory          common.Address
	initCodeHash     common.Hash
	defaultThreshold int
}

// NewBuilder creates a builder for the given escrow factory. A zero
// initCodeHash selects DefaultInitCodeHash; threshold <= 0 selects 2.
func NewBuilder(factory common.Address, initCodeHash common.Hash, threshold int) *Builder {
	if initCodeHash == (common.Hash{}) {
		initCodeHash = DefaultInitCodeHash
	}
	if threshold <= 0 {
		threshold = 2
	}
	return &Builder{
		factory:          factory,
		initCodeHash:     initCodeHash,
		defaultThreshold: threshold,
	}
}

// DefaultThreshold is the threshold used when Params.Threshold is zero.
func (b *Builder) DefaultThreshold() int {
	return b.defaultThreshold
}

// Build derives the escrow script for p.
func (b *Builder) Build(p Params) (*Script, error) {
	if p.Buyer == nil || p.Vendor == nil {
		return nil, ErrMissingKey
	}
	if len(p.Chaincode) != ChaincodeSize {
		return nil, ErrInvalidChaincode
	}
	if p.Amount == 0 {
		return nil, ErrInvalidAmount
	}

	if !p.Moderated() {
		vendorChild, err := ChildPublicKey(p.Vendor, p.Chaincode, p.Amount)
		if err != nil {
			return nil, err
		}
		addr := crypto.PubkeyToAddress(*vendorChild).Hex()
		return &Script{
			Kind:      KindDirect,
			Threshold: 1,
			Owners:    []string{addr},
			Address:   addr,
		}, nil
	}

	threshold := p.Threshold
	if threshold == 0 {
		threshold = b.defaultThreshold
	}
	if threshold < 1 || threshold > 3 {
		return nil, fmt.Errorf("%w: %d of 3", ErrInvalidThreshold, threshold)
	}

	owners := make([]common.Address, 0, 3)
	for _, pub := range []*ecdsa.PublicKey{p.Buyer, p.Vendor, p.Moderator} {
		child, err := ChildPublicKey(pub, p.Chaincode, p.Amount)
		if err != nil {
			return nil, err
		}
		owners = append(owners, crypto.PubkeyToAddress(*child))
	}
	slices.SortFunc(owners, func(a, b common.Address) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})

	salt := multisigSalt(threshold, owners, p.Amount, p.Chaincode)
	addr := crypto.CreateAddress2(b.factory, salt, b.initCodeHash.Bytes())

	ownerHex := make([]string, len(owners))
	for i, o := range owners {
		ownerHex[i] = o.Hex()
	}
	return &Script{
		Kind:      KindMultisig,
		Threshold: threshold,
		Owners:    ownerHex,
		Salt:      common.Hash(salt).Hex(),
		Address:   addr.Hex(),
	}, nil
}

// Verify rebuilds the script for p and checks it pays to address.
func (b *Builder) Verify(p Params, address string) (*Script, error) {
	s, err := b.Build(p)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(address) || common.HexToAddress(address) != common.HexToAddress(s.Address) {
		return nil, fmt.Errorf("%w: got %s, derived %s", ErrAddressMismatch, address, s.Address)
	}
	return s, nil
}

func multisigSalt(threshold int, owners []common.Address, amount uint64, chaincode []byte) [32]byte {
	buf := make([]byte, 0, 1+len(owners)*common.AddressLength+8+len(chaincode))
	buf = append(buf, byte(threshold))
	for _, o := range owners {
		buf = append(buf, o.Bytes()...)
	}
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = append(buf, chaincode...)
	return crypto.Keccak256Hash(buf)
}

// -----------------------------------------------------------------------------
// Identities and child keys
// -----------------------------------------------------------------------------

// PeerID encodes a node's public key as its network identity.
func PeerID(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(pub))
}

// ParsePeerID recovers the public key behind a peer id.
func ParsePeerID(id string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(id), "0x"))
	if err != nil || len(raw) != 33 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeerID, id)
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return pub, nil
}

func tweak(pub *ecdsa.PublicKey, chaincode []byte, amount uint64) (*big.Int, error) {
	if pub == nil {
		return nil, ErrMissingKey
	}
	if len(chaincode) != ChaincodeSize {
		return nil, ErrInvalidChaincode
	}
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	h := crypto.Keccak256(chaincode, crypto.CompressPubkey(pub), amt[:])

	t := new(big.Int).SetBytes(h)
	t.Mod(t, crypto.S256().Params().N)
	if t.Sign() == 0 {
		return nil, fmt.Errorf("escrow: degenerate child key tweak")
	}
	return t, nil
}

// ChildPublicKey returns pub + tweak*G for the order.
func ChildPublicKey(pub *ecdsa.PublicKey, chaincode []byte, amount uint64) (*ecdsa.PublicKey, error) {
	t, err := tweak(pub, chaincode, amount)
	if err != nil {
		return nil, err
	}
	curve := crypto.S256()
	tx, ty := curve.ScalarBaseMult(t.FillBytes(make([]byte, 32)))
	x, y := curve.Add(pub.X, pub.Y, tx, ty)
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// ChildPrivateKey returns priv + tweak mod N, the key behind ChildPublicKey.
func ChildPrivateKey(priv *ecdsa.PrivateKey, chaincode []byte, amount uint64) (*ecdsa.PrivateKey, error) {
	if priv == nil {
		return nil, ErrMissingKey
	}
	t, err := tweak(&priv.PublicKey, chaincode, amount)
	if err != nil {
		return nil, err
	}
	d := new(big.Int).Add(priv.D, t)
	d.Mod(d, crypto.S256().Params().N)
	if d.Sign() == 0 {
		return nil, fmt.Errorf("escrow: degenerate child key")
	}
	return crypto.ToECDSA(d.FillBytes(make([]byte, 32)))
}

// DirectAddress is the vendor-owned child address for an order. It also
// serves as the vendor's default payout address for moderated orders.
func DirectAddress(vendor *ecdsa.PublicKey, chaincode []byte, amount uint64) (string, error) {
	child, err := ChildPublicKey(vendor, chaincode, amount)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*child).Hex(), nil
}
