package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testOrder(owner common.Address) *OrderEIP712 {
	return &OrderEIP712{
		Salt:        big.NewInt(1),
		Maker:       owner,
		Signer:      owner,
		Taker:       common.Address{},
		MarketID:    [32]byte{0x01},
		TokenID:     big.NewInt(7),
		Side:        1,
		MakerAmount: big.NewInt(1_000000),
		TakerAmount: big.NewInt(2_000000),
		Expiration:  big.NewInt(0),
		Nonce:       big.NewInt(1),
		FeeRateBps:  big.NewInt(10),
		SigType:     0,
	}
}

func TestHashOrderDeterministic(t *testing.T) {
	signer := NewEIP712Signer(DefaultDomain())
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	order := testOrder(owner)

	h1, err := signer.HashOrder(order)
	if err != nil {
		t.Fatalf("hash order: %v", err)
	}
	h2, err := signer.HashOrder(order)
	if err != nil {
		t.Fatalf("hash order: %v", err)
	}
	if string(h1) != string(h2) {
		t.Error("hashing the same order twice produced different digests")
	}

	order.Nonce = big.NewInt(2)
	h3, err := signer.HashOrder(order)
	if err != nil {
		t.Fatalf("hash order: %v", err)
	}
	if string(h1) == string(h3) {
		t.Error("changing nonce did not change the digest")
	}
}

func TestSignAndVerifyOrder(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := NewEIP712Signer(DefaultDomain())
	order := testOrder(key.Address())

	sig, err := signer.SignOrder(key, order)
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}

	valid, err := signer.VerifyOrderSignature(order, sig)
	if err != nil {
		t.Fatalf("verify order: %v", err)
	}
	if !valid {
		t.Error("signature should be valid")
	}

	recovered, err := signer.RecoverOrderSigner(order, sig)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if recovered != key.Address() {
		t.Errorf("recovered signer = %s, want %s", recovered.Hex(), key.Address().Hex())
	}

	other, _ := GenerateKey()
	order.Signer = other.Address()
	valid, err = signer.VerifyOrderSignature(order, sig)
	if err != nil {
		t.Fatalf("verify order: %v", err)
	}
	if valid {
		t.Error("signature should not verify against a different signer")
	}
}

func TestSignAndVerifyCancel(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := NewEIP712Signer(DefaultDomain())
	cancel := &CancelEIP712{
		OrderHash: [32]byte{0xaa},
		Maker:     key.Address(),
		Nonce:     big.NewInt(5),
	}

	hash, err := signer.HashCancel(cancel)
	if err != nil {
		t.Fatalf("hash cancel: %v", err)
	}
	sig, err := key.Sign(hash)
	if err != nil {
		t.Fatalf("sign cancel: %v", err)
	}

	valid, err := signer.VerifyCancelSignature(cancel, sig)
	if err != nil {
		t.Fatalf("verify cancel: %v", err)
	}
	if !valid {
		t.Error("cancel signature should be valid")
	}
}

func TestOrderToJSON(t *testing.T) {
	signer := NewEIP712Signer(DefaultDomain())
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")
	out, err := signer.OrderToJSON(testOrder(owner))
	if err != nil {
		t.Fatalf("order to json: %v", err)
	}
	if len(out) == 0 {
		t.Error("expected non-empty JSON payload")
	}
}
