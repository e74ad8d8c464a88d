// Package pki implements a small certificate authority: a self-signed root,
// an intermediate signed by it, end-entity certificates signed by the
// intermediate, chain verification and a signed, persistent revocation
// registry per issuing authority.
//
// Keys and certificates are exchanged as PEM. Persistence goes through a
// storage.Repository, so the same code runs over a directory of PEM files,
// a bbolt database or memory.
package pki
