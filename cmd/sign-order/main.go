// Command sign-order generates a keypair, signs a sample buy order with
// EIP-712 and prints the JSON payload ready to POST to the API.
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clowder-protocol/clowder-go/pkg/crypto"
	"github.com/clowder-protocol/clowder-go/pkg/order"
)

func main() {
	fmt.Println("Generating new keypair...")
	signer, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	eth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	o := &order.BuyOrderV1{
		Signer:          signer.Address(),
		Collection:      common.HexToAddress("0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D"),
		ExecutionID:     big.NewInt(1),
		Contribution:    new(big.Int).Mul(big.NewInt(5), eth),
		BuyPrice:        new(big.Int).Mul(big.NewInt(40), eth),
		BuyPriceEndTime: big.NewInt(time.Now().Add(24 * time.Hour).Unix()),
		BuyNonce:        big.NewInt(0),
		Delegate:        common.Address{},
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Collection: %s\n", o.Collection.Hex())
	fmt.Printf("  Execution ID: %s\n", o.ExecutionID)
	fmt.Printf("  Contribution: %s wei\n", o.Contribution)
	fmt.Printf("  Buy Price (max): %s wei\n", o.BuyPrice)
	fmt.Printf("  Expires: %s\n\n", time.Unix(o.BuyPriceEndTime.Int64(), 0).UTC())

	// Default domain matches a local clowderd with CHAIN_ID=137.
	domain := order.ClowderDomain(big.NewInt(137), common.Address{})
	if err := o.Sign(domain, signer); err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	payload, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Signed Buy Order (JSON):")
	fmt.Println(string(payload))
	fmt.Println()

	fmt.Println("Verifying signature...")
	if err := o.Verify(domain); err != nil {
		fmt.Printf("Signature INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Signature VALID")
	fmt.Printf("  Signer: %s\n\n", o.Signer.Hex())

	fmt.Println("To submit this order:")
	fmt.Println("  POST http://localhost:8080/api/v1/orders/buy")
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(payload))
}
