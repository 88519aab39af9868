// Package hostcrypto implements the small set of cryptographic primitives
// the pairing state machine needs: AES-128-ECB with no padding, PIN-derived
// key material, SHA-256 hashing, RSA-SHA256 signing/verification over the
// host's and the client's X.509 certificates, and cryptographically secure
// random bytes and decimal digit strings.
//
// Every primitive here must match what real GameStream/Moonlight clients
// expect bit for bit -- there is no room to "improve" the wire format.
package hostcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// ErrBlockMisaligned is returned by the ECB helpers when the input is not a
// whole number of 16-byte AES blocks.
var ErrBlockMisaligned = errors.New("hostcrypto: input is not a multiple of the AES block size")

// DeriveKey implements the PIN-derived AES-128 key: the first 16 bytes of
// SHA-256(saltBytes || pin), where pin is the literal ASCII PIN digits (or
// an OTP's ASCII pin). saltBytes is expected to already be truncated to 16
// bytes by the caller, per the wire format.
func DeriveKey(saltBytes, pin []byte) [16]byte {
	h := sha256.Sum256(append(append([]byte{}, saltBytes...), pin...))
	var key [16]byte
	copy(key[:], h[:16])
	return key
}

// EncryptECB encrypts data 16 bytes at a time with AES-128 and no padding,
// returning the ciphertext in a new slice. len(data) must be a multiple of 16.
func EncryptECB(key [16]byte, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrBlockMisaligned
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// DecryptECB is the inverse of EncryptECB.
func DecryptECB(key [16]byte, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrBlockMisaligned
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// SHA256 is a small convenience wrapper returning a slice instead of an
// array, since nearly every caller immediately concatenates the hash into a
// larger byte slice.
func SHA256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomDecimalDigits returns a string of n cryptographically random
// decimal digits, used for the 4-digit OTP PIN. (The bogus PIN substituted
// on an OTP mismatch is 16 random bytes from RandomBytes instead.)
func RandomDecimalDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}

// SignRSASHA256 signs data with the given RSA private key using
// RSASSA-PKCS1-v1_5 over SHA-256, matching the signature scheme GameStream
// clients verify server secrets with.
func SignRSASHA256(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

// VerifyRSASHA256 verifies an RSASSA-PKCS1-v1_5/SHA-256 signature against a
// public key.
func VerifyRSASHA256(pub *rsa.PublicKey, data, signature []byte) error {
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature)
}

// CertSignatureField extracts the raw DER signature field of an X.509
// certificate -- the bytes the pairing protocol hashes into its challenge
// material. Go's x509.Certificate keeps this under .Signature.
func CertSignatureField(cert *x509.Certificate) []byte {
	return cert.Signature
}

// ParseCertificatePEM decodes a single PEM-encoded certificate block and
// parses it into an *x509.Certificate.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("hostcrypto: no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// HostIdentity is the server's own long-term GameStream identity: a
// self-signed certificate (the same cert presented over mTLS and hashed
// into the pairing challenge material) and its RSA private key.
type HostIdentity struct {
	Cert     *x509.Certificate
	CertPEM  []byte
	KeyPEM   []byte
	Key      *rsa.PrivateKey
	TLSCert  tls.Certificate
}

// LoadOrCreateHostIdentity loads the host's certificate and key from
// certPath/keyPath, generating and persisting a fresh self-signed RSA-2048
// identity if either file is missing, mirroring the
// load-or-create-on-missing discipline the host's other on-disk state
// follows.
func LoadOrCreateHostIdentity(certPath, keyPath string) (*HostIdentity, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return parseHostIdentity(certPEM, keyPEM)
	}
	if !os.IsNotExist(certErr) && certErr != nil {
		return nil, fmt.Errorf("hostcrypto: reading %s: %w", certPath, certErr)
	}
	if !os.IsNotExist(keyErr) && keyErr != nil {
		return nil, fmt.Errorf("hostcrypto: reading %s: %w", keyPath, keyErr)
	}

	certPEM, keyPEM, err := generateSelfSignedIdentity()
	if err != nil {
		return nil, fmt.Errorf("hostcrypto: generating host identity: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("hostcrypto: writing %s: %w", keyPath, err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("hostcrypto: writing %s: %w", certPath, err)
	}
	return parseHostIdentity(certPEM, keyPEM)
}

func parseHostIdentity(certPEM, keyPEM []byte) (*HostIdentity, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("hostcrypto: parsing host certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("hostcrypto: no PEM block found in host key")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("hostcrypto: parsing host key: %w", err)
	}
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("hostcrypto: building tls identity: %w", err)
	}
	return &HostIdentity{Cert: cert, CertPEM: certPEM, KeyPEM: keyPEM, Key: key, TLSCert: tlsCert}, nil
}

func generateSelfSignedIdentity() (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "pairhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(20, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}
