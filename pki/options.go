package pki

import (
	"crypto/x509/pkix"
	"time"
)

// Validity defaults, in days, for each tier of the hierarchy.
const (
	DefaultRootValidityDays         = 3650
	DefaultIntermediateValidityDays = 1825
	DefaultLeafValidityDays         = 365
)

// DefaultBackdate is subtracted from "now" to produce NotBefore, so freshly
// issued certificates are accepted by peers whose clocks lag slightly.
const DefaultBackdate = 24 * time.Hour

// Option tunes how authorities and certificates are built.
type Option func(*options)

type options struct {
	subject   *pkix.Name
	validity  time.Duration
	backdate  time.Duration
	algorithm KeyAlgorithm
	now       func() time.Time
}

func buildOptions(validityDays int, opts []Option) options {
	o := options{
		validity:  days(validityDays),
		backdate:  DefaultBackdate,
		algorithm: RSA2048,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// WithSubject overrides the distinguished name of an authority.
// IssueCertificate ignores it; leaf subjects come from SubjectInfo.
func WithSubject(name pkix.Name) Option {
	return func(o *options) {
		o.subject = &name
	}
}

// WithValidityDays sets the lifetime of the certificate, counted from now.
// Non-positive values keep the tier default.
func WithValidityDays(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.validity = days(n)
		}
	}
}

// WithBackdate sets how far NotBefore lies in the past.
func WithBackdate(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.backdate = d
		}
	}
}

// WithKeyAlgorithm selects the algorithm of the generated key pair.
func WithKeyAlgorithm(alg KeyAlgorithm) Option {
	return func(o *options) {
		if alg != "" {
			o.algorithm = alg
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func (o options) window() (notBefore, notAfter time.Time) {
	now := o.now().UTC()
	return now.Add(-o.backdate), now.Add(o.validity)
}
