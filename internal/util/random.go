package util

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// serialBits is the size of generated certificate serial numbers.
const serialBits = 128

var serialLimit = new(big.Int).Lsh(big.NewInt(1), serialBits)

// RandomSerial returns a positive random certificate serial number.
func RandomSerial() (*big.Int, error) {
	return RandomSerialFrom(rand.Reader)
}

// RandomSerialFrom is RandomSerial with an explicit entropy source.
func RandomSerialFrom(r io.Reader) (*big.Int, error) {
	for {
		n, err := rand.Int(r, serialLimit)
		if err != nil {
			return nil, fmt.Errorf("generating random serial: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
