package pki

import (
	"github.com/awnumar/memguard"

	"github.com/jmcleod/minica/internal/util"
)

// Passphrase protects private keys at rest. The normalised passphrase is
// kept in a memguard Enclave and only decrypted while a key is being
// encoded or decoded.
type Passphrase struct {
	enclave *memguard.Enclave
}

// NewPassphrase seals s. An empty passphrase yields nil, meaning keys are
// stored unencrypted.
func NewPassphrase(s string) *Passphrase {
	if s == "" {
		return nil
	}
	// NewEnclave wipes the source buffer.
	return &Passphrase{enclave: memguard.NewEnclave([]byte(util.Normalize(s)))}
}

// use opens the enclave for the duration of fn.
func (p *Passphrase) use(fn func(pw []byte) error) error {
	buf, err := p.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
