package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/cloudflare/cfssl/crypto/pkcs7"
	"github.com/youmark/pkcs8"

	"github.com/jmcleod/minica/internal/util"
)

// PEM block types read and written by the codec.
const (
	pemTypeCertificate  = "CERTIFICATE"
	pemTypeRSAKey       = "RSA PRIVATE KEY"
	pemTypeECKey        = "EC PRIVATE KEY"
	pemTypePKCS8Key     = "PRIVATE KEY"
	pemTypeEncryptedKey = "ENCRYPTED PRIVATE KEY"
	pemTypeCRL          = "X509 CRL"
)

var (
	errNoPEMBlock         = errors.New("no PEM block found")
	errPassphraseRequired = errors.New("key is encrypted and no passphrase was supplied")
)

// KeyOption configures EncodeKey and DecodeKey.
type KeyOption func(*keyOptions)

type keyOptions struct {
	passphrase *Passphrase
}

// WithPassphrase encrypts keys on encode (PKCS#8, PBES2) and allows
// encrypted keys to be decoded. A nil passphrase is ignored.
func WithPassphrase(p *Passphrase) KeyOption {
	return func(o *keyOptions) {
		if p != nil {
			o.passphrase = p
		}
	}
}

// EncodeKey serialises a private key as PEM. Without a passphrase RSA keys
// use the traditional PKCS#1 "RSA PRIVATE KEY" block and ECDSA keys use the
// SEC 1 "EC PRIVATE KEY" block.
func EncodeKey(kp *KeyPair, opts ...KeyOption) ([]byte, error) {
	const op = "encode key"
	if kp == nil || kp.signer == nil {
		return nil, opError(op, ErrMalformedKey, errors.New("nil key pair"))
	}
	var o keyOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.passphrase != nil {
		var der []byte
		err := o.passphrase.use(func(pw []byte) error {
			var err error
			der, err = pkcs8.MarshalPrivateKey(kp.signer, pw, nil)
			return err
		})
		if err != nil {
			return nil, opError(op, ErrMalformedKey, err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: pemTypeEncryptedKey, Bytes: der}), nil
	}

	var (
		blockType string
		der       []byte
	)
	switch key := kp.signer.(type) {
	case *rsa.PrivateKey:
		blockType, der = pemTypeRSAKey, x509.MarshalPKCS1PrivateKey(key)
	case *ecdsa.PrivateKey:
		var err error
		if der, err = x509.MarshalECPrivateKey(key); err != nil {
			return nil, opError(op, ErrMalformedKey, err)
		}
		blockType = pemTypeECKey
	default:
		return nil, opError(op, ErrMalformedKey, fmt.Errorf("unsupported private key type %T", key))
	}
	defer util.WipeBytes(der)
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), nil
}

// DecodeKey parses a PEM private key. PKCS#1, SEC 1, PKCS#8 and encrypted
// PKCS#8 blocks are accepted; encrypted blocks need WithPassphrase.
func DecodeKey(data []byte, opts ...KeyOption) (*KeyPair, error) {
	const op = "decode key"
	var o keyOptions
	for _, opt := range opts {
		opt(&o)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, opError(op, ErrMalformedKey, errNoPEMBlock)
	}
	if _, ok := block.Headers["DEK-Info"]; ok {
		return nil, opError(op, ErrMalformedKey, errors.New("legacy PEM encryption is not supported"))
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case pemTypeRSAKey:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case pemTypeECKey:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case pemTypePKCS8Key:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case pemTypeEncryptedKey:
		if o.passphrase == nil {
			return nil, opError(op, ErrMalformedKey, errPassphraseRequired)
		}
		err = o.passphrase.use(func(pw []byte) error {
			var perr error
			key, perr = pkcs8.ParsePKCS8PrivateKey(block.Bytes, pw)
			return perr
		})
	default:
		err = fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, opError(op, ErrMalformedKey, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, opError(op, ErrMalformedKey, fmt.Errorf("unsupported private key type %T", key))
	}
	kp, err := NewKeyPair(signer)
	if err != nil {
		return nil, opError(op, ErrMalformedKey, err)
	}
	return kp, nil
}

// EncodeCertificate serialises a certificate as a PEM "CERTIFICATE" block.
func EncodeCertificate(cert *x509.Certificate) ([]byte, error) {
	if cert == nil || len(cert.Raw) == 0 {
		return nil, opError("encode certificate", ErrMalformedCertificate, errors.New("certificate has no DER encoding"))
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw}), nil
}

// DecodeCertificate parses the first certificate in data. PEM, raw DER and
// PKCS#7 bundles are accepted.
func DecodeCertificate(data []byte) (*x509.Certificate, error) {
	certs, err := decodeCertificates(data, true)
	if err != nil {
		return nil, opError("decode certificate", ErrMalformedCertificate, err)
	}
	return certs[0], nil
}

// DecodeCertificates parses every certificate in data, in order. It is used
// for chain files holding an intermediate and a root back to back.
func DecodeCertificates(data []byte) ([]*x509.Certificate, error) {
	certs, err := decodeCertificates(data, false)
	if err != nil {
		return nil, opError("decode certificates", ErrMalformedCertificate, err)
	}
	return certs, nil
}

func decodeCertificates(data []byte, firstOnly bool) ([]*x509.Certificate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty input")
	}

	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		var certs []*x509.Certificate
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != pemTypeCertificate {
				return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, err
			}
			certs = append(certs, cert)
			if firstOnly {
				break
			}
		}
		if len(certs) == 0 {
			return nil, errNoPEMBlock
		}
		return certs, nil
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		return []*x509.Certificate{cert}, nil
	}

	p, err := pkcs7.ParsePKCS7(data)
	if err != nil {
		return nil, fmt.Errorf("not a DER certificate or PKCS#7 bundle: %w", err)
	}
	if len(p.Content.SignedData.Certificates) == 0 {
		return nil, errors.New("PKCS#7 bundle carries no certificates")
	}
	return p.Content.SignedData.Certificates, nil
}
