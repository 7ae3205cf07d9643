package escrow

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var payoutDomain = []byte("tradenode/payout")

// Output is one destination of a payout.
type Output struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Payout moves the value held at EscrowAddress to Outputs. Whatever the
// outputs leave behind is paid as network fee.
type Payout struct {
	EscrowAddress string   `json:"escrowAddress"`
	Outputs       []Output `json:"outputs"`
}

// Signature is one owner's approval of a payout.
type Signature struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// Total sums the output amounts. A sum that does not fit in uint64
// saturates at math.MaxUint64, which no escrow can cover.
func (p Payout) Total() uint64 {
	total, ok := p.sum()
	if !ok {
		return math.MaxUint64
	}
	return total
}

func (p Payout) sum() (uint64, bool) {
	var total uint64
	for _, o := range p.Outputs {
		next, carry := bits.Add64(total, o.Amount, 0)
		if carry != 0 {
			return 0, false
		}
		total = next
	}
	return total, true
}

// Validate checks addresses and amounts.
func (p Payout) Validate() error {
	if !common.IsHexAddress(p.EscrowAddress) {
		return fmt.Errorf("%w: bad escrow address %q", ErrInvalidPayout, p.EscrowAddress)
	}
	if len(p.Outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrInvalidPayout)
	}
	for _, o := range p.Outputs {
		if !common.IsHexAddress(o.Address) {
			return fmt.Errorf("%w: bad output address %q", ErrInvalidPayout, o.Address)
		}
		if o.Amount == 0 {
			return fmt.Errorf("%w: zero output to %s", ErrInvalidPayout, o.Address)
		}
	}
	if _, ok := p.sum(); !ok {
		return fmt.Errorf("%w: outputs overflow", ErrInvalidPayout)
	}
	return nil
}

// Digest is the hash every owner signs.
func (p Payout) Digest() (common.Hash, error) {
	if err := p.Validate(); err != nil {
		return common.Hash{}, err
	}
	buf := make([]byte, 0, len(payoutDomain)+common.AddressLength*(1+len(p.Outputs))+8*len(p.Outputs))
	buf = append(buf, payoutDomain...)
	buf = append(buf, common.HexToAddress(p.EscrowAddress).Bytes()...)
	for _, o := range p.Outputs {
		buf = append(buf, common.HexToAddress(o.Address).Bytes()...)
		buf = binary.BigEndian.AppendUint64(buf, o.Amount)
	}
	return crypto.Keccak256Hash(buf), nil
}

// PaysOnly reports whether every output goes to addr.
func (p Payout) PaysOnly(addr string) bool {
	target := common.HexToAddress(addr)
	for _, o := range p.Outputs {
		if common.HexToAddress(o.Address) != target {
			return false
		}
	}
	return len(p.Outputs) > 0
}

// SignPayout signs p with an owner's child key.
func SignPayout(key *ecdsa.PrivateKey, p Payout) (Signature, error) {
	if key == nil {
		return Signature{}, ErrMissingKey
	}
	digest, err := p.Digest()
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return Signature{}, fmt.Errorf("escrow: sign payout: %w", err)
	}
	return Signature{
		Signer:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Signature: hex.EncodeToString(sig),
	}, nil
}

// recoverSigner checks that sig was produced by its declared signer.
func recoverSigner(digest common.Hash, sig Signature) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig.Signature, "0x"))
	if err != nil || len(raw) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature from %s", ErrInvalidSignature, sig.Signer)
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !common.IsHexAddress(sig.Signer) || recovered != common.HexToAddress(sig.Signer) {
		return common.Address{}, fmt.Errorf("%w: recovered %s, declared %s", ErrInvalidSignature, recovered.Hex(), sig.Signer)
	}
	return recovered, nil
}

// IsOwner reports whether addr is one of the script's owners.
func (s *Script) IsOwner(addr string) bool {
	target := common.HexToAddress(addr)
	for _, o := range s.Owners {
		if common.HexToAddress(o) == target {
			return true
		}
	}
	return false
}

// VerifyPayout checks that p spends from this script and carries at least
// Threshold valid signatures from distinct owners.
func (s *Script) VerifyPayout(p Payout, sigs []Signature) error {
	if common.HexToAddress(p.EscrowAddress) != common.HexToAddress(s.Address) {
		return fmt.Errorf("%w: payout spends %s, script is %s", ErrAddressMismatch, p.EscrowAddress, s.Address)
	}
	digest, err := p.Digest()
	if err != nil {
		return err
	}

	seen := make(map[common.Address]bool, len(sigs))
	for _, sig := range sigs {
		signer, err := recoverSigner(digest, sig)
		if err != nil {
			return err
		}
		if !s.IsOwner(signer.Hex()) {
			return fmt.Errorf("%w: %s", ErrNotOwner, signer.Hex())
		}
		seen[signer] = true
	}

	if len(seen) < s.Threshold {
		return fmt.Errorf("%w: have %d, need %d", ErrThresholdNotMet, len(seen), s.Threshold)
	}
	return nil
}

// MergeSignatures appends sigs not already present by signer.
func MergeSignatures(existing []Signature, more ...Signature) []Signature {
	out := append([]Signature(nil), existing...)
	for _, m := range more {
		dup := false
		for _, e := range out {
			if strings.EqualFold(e.Signer, m.Signer) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}
