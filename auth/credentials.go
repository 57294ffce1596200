package auth

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/weftnet/weft/state"
	"go.step.sm/crypto/pemutil"
)

// Credentials is the mutual-authentication material for EAP-TLS: the
// authority that vouches for the peer, plus our own device certificate
// and private key.
type Credentials struct {
	Authority   *x509.Certificate
	Certificate *x509.Certificate
	Key         crypto.Signer
}

type pubkeyEqualer interface {
	Equal(crypto.PublicKey) bool
}

// LoadCredentials reads the PEM files named in the configuration and
// checks they belong together.
func LoadCredentials(cfg *state.Config) (*Credentials, error) {
	ca, err := pemutil.ReadCertificate(cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("authority: %w", err)
	}
	cert, err := pemutil.ReadCertificate(cfg.Certificate)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	keyAny, err := pemutil.Read(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	key, ok := keyAny.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key: unsupported private key type %T", keyAny)
	}
	pub, ok := key.Public().(pubkeyEqualer)
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, fmt.Errorf("key: does not match \"certificate\"")
	}
	// Wi-SUN FAN 1.1v09 6.5.1: device identity rests on ECC
	// certificates.
	if cert.PublicKeyAlgorithm != x509.ECDSA {
		return nil, fmt.Errorf("certificate: %s keys are not supported", cert.PublicKeyAlgorithm)
	}
	return &Credentials{Authority: ca, Certificate: cert, Key: key}, nil
}
