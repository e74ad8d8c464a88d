package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
)

// KeyAlgorithm selects the kind of key pair GenerateKeyPair produces.
type KeyAlgorithm string

const (
	// RSA2048 is a 2048-bit RSA key with public exponent 65537.
	RSA2048 KeyAlgorithm = "rsa2048"
	// ECDSAP256 is an ECDSA key on NIST P-256.
	ECDSAP256 KeyAlgorithm = "ecdsa-p256"
)

const rsaKeyBits = 2048

// ParseKeyAlgorithm accepts the names used in configuration files and flags.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rsa", "rsa2048", "rsa-2048":
		return RSA2048, nil
	case "ecdsa", "ecdsa-p256", "p256", "p-256":
		return ECDSAP256, nil
	default:
		return "", fmt.Errorf("unsupported key algorithm %q", s)
	}
}

// KeyPair is an asymmetric private key together with its public half.
type KeyPair struct {
	signer crypto.Signer
}

// NewKeyPair wraps an existing RSA or ECDSA private key.
func NewKeyPair(signer crypto.Signer) (*KeyPair, error) {
	switch signer.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return &KeyPair{signer: signer}, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", signer)
	}
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair(alg KeyAlgorithm) (*KeyPair, error) {
	const op = "generate key pair"
	var (
		signer crypto.Signer
		err    error
	)
	switch alg {
	case RSA2048, "":
		signer, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case ECDSAP256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		err = fmt.Errorf("unsupported key algorithm %q", alg)
	}
	if err != nil {
		return nil, opError(op, ErrKeyGeneration, err)
	}
	return &KeyPair{signer: signer}, nil
}

// Signer returns the private key.
func (k *KeyPair) Signer() crypto.Signer {
	return k.signer
}

// Public returns the public half of the key pair.
func (k *KeyPair) Public() crypto.PublicKey {
	return k.signer.Public()
}

// Algorithm reports the key algorithm in the same vocabulary as
// ParseKeyAlgorithm. RSA keys of other sizes report as "rsa<bits>".
func (k *KeyPair) Algorithm() KeyAlgorithm {
	switch key := k.signer.(type) {
	case *rsa.PrivateKey:
		if key.N.BitLen() == rsaKeyBits {
			return RSA2048
		}
		return KeyAlgorithm(fmt.Sprintf("rsa%d", key.N.BitLen()))
	case *ecdsa.PrivateKey:
		if key.Curve == elliptic.P256() {
			return ECDSAP256
		}
		return KeyAlgorithm("ecdsa-" + strings.ToLower(key.Curve.Params().Name))
	}
	return ""
}

// Matches reports whether pub is the public half of this key pair.
func (k *KeyPair) Matches(pub crypto.PublicKey) bool {
	if k == nil || k.signer == nil || pub == nil {
		return false
	}
	own, ok := k.signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && own.Equal(pub)
}

// signatureAlgorithm picks a SHA-256 based signature for the key.
func (k *KeyPair) signatureAlgorithm() x509.SignatureAlgorithm {
	if _, ok := k.signer.(*ecdsa.PrivateKey); ok {
		return x509.ECDSAWithSHA256
	}
	return x509.SHA256WithRSA
}
