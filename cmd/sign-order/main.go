// sign-order generates a keypair (or loads one from PRIVATE_KEY), signs a
// sample order with EIP-712, and prints the exact JSON payload a wallet
// must POST to /api/v1/orders. Useful for manual testing and as living
// documentation of the typed-data format.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/crypto"
)

func main() {
	var signer *crypto.Signer
	var err error
	if keyHex := os.Getenv("PRIVATE_KEY"); keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(keyHex)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	marketID := [32]byte{0x01}

	order := &clobtypes.Order{
		Salt:        big.NewInt(1),
		Maker:       signer.Address(),
		Signer:      signer.Address(),
		Taker:       common.Address{},
		MarketID:    marketID,
		TokenID:     big.NewInt(1),
		Side:        clobtypes.Buy,
		MakerAmount: new(big.Int).Mul(big.NewInt(50), one),  // 50 collateral
		TakerAmount: new(big.Int).Mul(big.NewInt(100), one), // for 100 outcome tokens @ 0.5
		Expiration:  0,
		Nonce:       big.NewInt(0),
		FeeRateBps:  0,
		SigType:     clobtypes.SigTypeEOA,
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Market:      0x%x\n", order.MarketID)
	fmt.Printf("  Side:        %s\n", order.Side)
	fmt.Printf("  MakerAmount: %s\n", order.MakerAmount)
	fmt.Printf("  TakerAmount: %s\n", order.TakerAmount)
	fmt.Printf("  Price:       %s\n", order.Price())
	fmt.Printf("  Maker:       %s\n\n", order.Maker.Hex())

	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain())
	signature, err := eip712.SignOrder(signer, crypto.ToEIP712(order))
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	order.Signature = signature

	orderHash, err := eip712.HashClobOrder(order)
	if err != nil {
		fmt.Printf("Error hashing: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Order Hash: 0x%x\n", orderHash[:])
	fmt.Printf("Signature:  0x%x\n\n", signature)

	payload := map[string]interface{}{
		"salt":        order.Salt.String(),
		"maker":       order.Maker.Hex(),
		"signer":      order.Signer.Hex(),
		"marketId":    "0x" + hex.EncodeToString(order.MarketID[:]),
		"tokenId":     order.TokenID.String(),
		"side":        order.Side.String(),
		"makerAmount": order.MakerAmount.String(),
		"takerAmount": order.TakerAmount.String(),
		"expiration":  order.Expiration,
		"nonce":       order.Nonce.String(),
		"feeRateBps":  order.FeeRateBps,
		"sigType":     uint8(order.SigType),
		"signature":   "0x" + hex.EncodeToString(signature),
	}
	body, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println("POST /api/v1/orders")
	fmt.Println(string(body))
}
