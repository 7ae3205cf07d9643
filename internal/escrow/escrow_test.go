package escrow

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type party struct {
	key *ecdsa.PrivateKey
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return party{key: key}
}

func (p party) pub() *ecdsa.PublicKey { return &p.key.PublicKey }

func chaincode(b byte) []byte {
	return bytes.Repeat([]byte{b}, ChaincodeSize)
}

var testFactory = common.HexToAddress("0x00000000000000000000000000000000000e5c40")

func TestBuild_DirectIsVendorOwned(t *testing.T) {
	buyer, vendor := newParty(t), newParty(t)
	b := NewBuilder(testFactory, common.Hash{}, 2)

	s, err := b.Build(Params{Buyer: buyer.pub(), Vendor: vendor.pub(), Amount: 5_000_000, Chaincode: chaincode(1)})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Kind != KindDirect || s.Threshold != 1 {
		t.Fatalf("Expected direct 1-of-1, got %s %d", s.Kind, s.Threshold)
	}

	child, err := ChildPrivateKey(vendor.key, chaincode(1), 5_000_000)
	if err != nil {
		t.Fatalf("ChildPrivateKey failed: %v", err)
	}
	if got := crypto.PubkeyToAddress(child.PublicKey).Hex(); got != s.Address {
		t.Errorf("Vendor child key controls %s, script pays %s", got, s.Address)
	}

	buyerChild, _ := ChildPrivateKey(buyer.key, chaincode(1), 5_000_000)
	if crypto.PubkeyToAddress(buyerChild.PublicKey).Hex() == s.Address {
		t.Error("Buyer must not control a direct escrow address")
	}
}

func TestBuild_DeterministicAcrossNodes(t *testing.T) {
	buyer, vendor, mod := newParty(t), newParty(t), newParty(t)

	// Each node recovers the keys from peer ids, as it would over the wire.
	derive := func() *Script {
		bp, _ := ParsePeerID(PeerID(buyer.pub()))
		vp, _ := ParsePeerID(PeerID(vendor.pub()))
		mp, _ := ParsePeerID(PeerID(mod.pub()))
		s, err := NewBuilder(testFactory, common.Hash{}, 2).Build(Params{
			Buyer: bp, Vendor: vp, Moderator: mp, Amount: 1_250_000, Chaincode: chaincode(7),
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return s
	}

	buyerView, vendorView := derive(), derive()
	if buyerView.Address != vendorView.Address {
		t.Fatalf("Addresses differ: %s vs %s", buyerView.Address, vendorView.Address)
	}
	if buyerView.Salt != vendorView.Salt {
		t.Error("Salts differ")
	}
	if buyerView.Kind != KindMultisig || buyerView.Threshold != 2 || len(buyerView.Owners) != 3 {
		t.Errorf("Unexpected script %+v", buyerView)
	}
}

func TestBuild_InputsChangeAddress(t *testing.T) {
	buyer, vendor, mod := newParty(t), newParty(t), newParty(t)
	b := NewBuilder(testFactory, common.Hash{}, 2)
	base := Params{Buyer: buyer.pub(), Vendor: vendor.pub(), Moderator: mod.pub(), Amount: 100, Chaincode: chaincode(1)}

	ref, _ := b.Build(base)

	variants := map[string]Params{
		"amount":    {Buyer: buyer.pub(), Vendor: vendor.pub(), Moderator: mod.pub(), Amount: 101, Chaincode: chaincode(1)},
		"chaincode": {Buyer: buyer.pub(), Vendor: vendor.pub(), Moderator: mod.pub(), Amount: 100, Chaincode: chaincode(2)},
		"threshold": {Buyer: buyer.pub(), Vendor: vendor.pub(), Moderator: mod.pub(), Amount: 100, Chaincode: chaincode(1), Threshold: 3},
	}
	for name, p := range variants {
		s, err := b.Build(p)
		if err != nil {
			t.Fatalf("%s: Build failed: %v", name, err)
		}
		if s.Address == ref.Address {
			t.Errorf("%s: expected a different address", name)
		}
	}

	other := NewBuilder(common.HexToAddress("0x01"), common.Hash{}, 2)
	s, _ := other.Build(base)
	if s.Address == ref.Address {
		t.Error("Factory must be part of the address")
	}
}

func TestBuild_Validation(t *testing.T) {
	buyer, vendor, mod := newParty(t), newParty(t), newParty(t)
	b := NewBuilder(testFactory, common.Hash{}, 2)

	if _, err := b.Build(Params{Buyer: buyer.pub(), Amount: 1, Chaincode: chaincode(1)}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("Expected ErrMissingKey, got %v", err)
	}
	if _, err := b.Build(Params{Buyer: buyer.pub(), Vendor: vendor.pub(), Amount: 1, Chaincode: []byte{1}}); !errors.Is(err, ErrInvalidChaincode) {
		t.Errorf("Expected ErrInvalidChaincode, got %v", err)
	}
	if _, err := b.Build(Params{Buyer: buyer.pub(), Vendor: vendor.pub(), Chaincode: chaincode(1)}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
	_, err := b.Build(Params{Buyer: buyer.pub(), Vendor: vendor.pub(), Moderator: mod.pub(), Amount: 1, Chaincode: chaincode(1), Threshold: 4})
	if !errors.Is(err, ErrInvalidThreshold) {
		t.Errorf("Expected ErrInvalidThreshold, got %v", err)
	}
}

func TestVerify_AddressMismatch(t *testing.T) {
	buyer, vendor := newParty(t), newParty(t)
	b := NewBuilder(testFactory, common.Hash{}, 2)
	p := Params{Buyer: buyer.pub(), Vendor: vendor.pub(), Amount: 10, Chaincode: chaincode(3)}

	s, _ := b.Build(p)
	if _, err := b.Verify(p, s.Address); err != nil {
		t.Fatalf("Verify of derived address failed: %v", err)
	}
	if _, err := b.Verify(p, "0x000000000000000000000000000000000000dEaD"); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("Expected ErrAddressMismatch, got %v", err)
	}
}

func TestParsePeerID(t *testing.T) {
	p := newParty(t)
	id := PeerID(p.pub())
	if len(id) != 66 {
		t.Fatalf("Expected 33-byte hex peer id, got %d chars", len(id))
	}
	pub, err := ParsePeerID(id)
	if err != nil {
		t.Fatalf("ParsePeerID failed: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != crypto.PubkeyToAddress(*p.pub()) {
		t.Error("Round trip changed the key")
	}
	if _, err := ParsePeerID("nothex"); !errors.Is(err, ErrInvalidPeerID) {
		t.Errorf("Expected ErrInvalidPeerID, got %v", err)
	}
}
