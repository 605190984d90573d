// Package crypto signs and verifies detached RS256 JWS documents.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoPEMBlock       = errors.New("no pem block")
	ErrNotRSAKey        = errors.New("key is not RSA")
	ErrMalformedJWS     = errors.New("malformed jws")
	ErrUnsupportedAlg   = errors.New("unsupported jws algorithm")
	ErrPayloadAttached  = errors.New("jws carries an attached payload")
	ErrInvalidSignature = errors.New("jws signature does not match payload")
)

// JWS is a detached-payload JSON Web Signature: the payload is not embedded
// and must be supplied again on verification.
type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type protectedHeader struct {
	Alg  string   `json:"alg"`
	Typ  string   `json:"typ,omitempty"`
	B64  *bool    `json:"b64,omitempty"`
	Crit []string `json:"crit,omitempty"`
	X5t  string   `json:"x5t#S256,omitempty"`
}

// Compact renders the JWS in compact serialisation with an empty payload
// segment.
func (j JWS) Compact() string {
	return j.Protected + ".." + j.Signature
}

// ParseCompact parses the output of Compact.
func ParseCompact(s string) (JWS, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return JWS{}, ErrMalformedJWS
	}
	if parts[1] != "" {
		return JWS{}, ErrPayloadAttached
	}
	return JWS{Protected: parts[0], Signature: parts[2]}, nil
}

// SignDetachedJWS signs payload with the RSA key in privateKeyPEM. When
// certPEM is non-empty its SHA-256 thumbprint is recorded in the header.
func SignDetachedJWS(payload, privateKeyPEM, certPEM []byte) (JWS, error) {
	priv, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return JWS{}, err
	}
	hdr := protectedHeader{Alg: "RS256", Typ: "JOSE"}
	if len(certPEM) > 0 {
		cert, err := parseCertificate(certPEM)
		if err != nil {
			return JWS{}, err
		}
		sum := sha256.Sum256(cert.Raw)
		hdr.X5t = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	hb, err := json.Marshal(hdr)
	if err != nil {
		return JWS{}, err
	}
	protected := base64.RawURLEncoding.EncodeToString(hb)

	h := sha256.Sum256(signingInput(protected, payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return JWS{}, err
	}
	return JWS{
		Protected: protected,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// VerifyDetachedJWS checks sig against payload. publicPEM may hold a
// CERTIFICATE or a PUBLIC KEY block.
func VerifyDetachedJWS(sig JWS, payload, publicPEM []byte) error {
	if sig.Payload != "" {
		return ErrPayloadAttached
	}
	hb, err := base64.RawURLEncoding.DecodeString(sig.Protected)
	if err != nil {
		return fmt.Errorf("%w: protected header: %v", ErrMalformedJWS, err)
	}
	var hdr protectedHeader
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return fmt.Errorf("%w: protected header: %v", ErrMalformedJWS, err)
	}
	if hdr.Alg != "RS256" {
		return fmt.Errorf("%w %q", ErrUnsupportedAlg, hdr.Alg)
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrMalformedJWS, err)
	}
	pub, err := parseRSAPublicKey(publicPEM)
	if err != nil {
		return err
	}
	h := sha256.Sum256(signingInput(sig.Protected, payload))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], raw); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func signingInput(protected string, payload []byte) []byte {
	return []byte(protected + "." + base64.RawURLEncoding.EncodeToString(payload))
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaKey, nil
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	var key any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = cert.PublicKey
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = pub
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = pub
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return pub, nil
}
