// Package keygen produces and loads SSH key pairs in OpenSSH format.
package keygen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/Will-Luck/Key-Sentinel/internal/metrics"
)

// KeyType is the closed set of supported SSH key algorithms.
type KeyType string

const (
	TypeEd25519 KeyType = "ed25519"
	TypeRSA     KeyType = "rsa"
	TypeECDSA   KeyType = "ecdsa"
)

// Request describes the key pair to generate. Bits is ignored for ed25519,
// one of 2048/3072/4096 for RSA, and one of 256/384/521 for ECDSA.
// Zero selects the per-type default.
type Request struct {
	Type    KeyType
	Bits    int
	Comment string
}

// KeyPair is a generated or loaded SSH key pair. It doubles as the opaque
// key reference handed around by the rotation core: the public line is what
// gets appended to a remote authorized_keys file, the signer is what
// authenticates a connection.
type KeyPair struct {
	Type        KeyType
	Bits        int
	Comment     string
	PublicLine  string // single authorized_keys line, comment included
	Fingerprint string // SHA256:...
	PrivatePEM  []byte // OpenSSH private key encoding

	signer ssh.Signer
}

// Signer returns the signer used to authenticate SSH connections with this key.
func (k *KeyPair) Signer() ssh.Signer { return k.signer }

// Validate reports whether the request names a supported type and size.
func (r Request) Validate() error {
	_, err := normaliseBits(r.Type, r.Bits)
	return err
}

// Generate creates a new key pair. Each rotation calls this exactly once.
func Generate(req Request) (*KeyPair, error) {
	bits, err := normaliseBits(req.Type, req.Bits)
	if err != nil {
		return nil, err
	}

	var priv crypto.PrivateKey
	switch req.Type {
	case TypeEd25519:
		_, key, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", genErr)
		}
		priv = key
	case TypeRSA:
		key, genErr := rsa.GenerateKey(rand.Reader, bits)
		if genErr != nil {
			return nil, fmt.Errorf("generate rsa key: %w", genErr)
		}
		priv = key
	case TypeECDSA:
		key, genErr := ecdsa.GenerateKey(ecdsaCurve(bits), rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate ecdsa key: %w", genErr)
		}
		priv = key
	default:
		return nil, fmt.Errorf("unsupported key type %q", req.Type)
	}

	block, err := ssh.MarshalPrivateKey(priv, req.Comment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}

	metrics.KeysGeneratedTotal.WithLabelValues(string(req.Type)).Inc()

	return &KeyPair{
		Type:        req.Type,
		Bits:        bits,
		Comment:     req.Comment,
		PublicLine:  publicLine(signer.PublicKey(), req.Comment),
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		PrivatePEM:  pem.EncodeToMemory(block),
		signer:      signer,
	}, nil
}

// Load reads an existing key pair from disk. The public line is taken from
// the sibling ".pub" file when present (preserving the stored comment), and
// derived from the private key otherwise. passphrase may be nil for
// unencrypted keys.
func Load(privatePath string, passphrase []byte) (*KeyPair, error) {
	raw, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	var signer ssh.Signer
	if len(passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", privatePath, err)
	}

	kp := &KeyPair{
		Type:        typeFromAlgo(signer.PublicKey().Type()),
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		PrivatePEM:  raw,
		signer:      signer,
	}

	if pub, pubErr := os.ReadFile(privatePath + ".pub"); pubErr == nil {
		kp.PublicLine = strings.TrimSpace(string(pub))
		if parsed, comment, _, _, parseErr := ssh.ParseAuthorizedKey(pub); parseErr == nil {
			kp.Comment = comment
			kp.Fingerprint = ssh.FingerprintSHA256(parsed)
		}
	} else {
		kp.PublicLine = publicLine(signer.PublicKey(), "")
	}

	return kp, nil
}

// WriteFiles stores the pair as privatePath (0600) and privatePath+".pub"
// (0644), refusing to overwrite an existing key.
func (k *KeyPair) WriteFiles(privatePath string) error {
	for _, p := range []string{privatePath, privatePath + ".pub"} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("key %s already exists", p)
		}
	}
	if err := os.WriteFile(privatePath, k.PrivatePEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(privatePath+".pub", []byte(k.PublicLine+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func publicLine(pub ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line
}

func normaliseBits(t KeyType, bits int) (int, error) {
	switch t {
	case TypeEd25519:
		// Fixed-size algorithm; a bits request is ignored.
		return 256, nil
	case TypeRSA:
		if bits == 0 {
			return 3072, nil
		}
		switch bits {
		case 2048, 3072, 4096:
			return bits, nil
		}
		return 0, fmt.Errorf("rsa bits must be 2048, 3072, or 4096, got %d", bits)
	case TypeECDSA:
		if bits == 0 {
			return 256, nil
		}
		switch bits {
		case 256, 384, 521:
			return bits, nil
		}
		return 0, fmt.Errorf("ecdsa bits must be 256, 384, or 521, got %d", bits)
	}
	return 0, fmt.Errorf("unsupported key type %q", t)
}

func ecdsaCurve(bits int) elliptic.Curve {
	switch bits {
	case 384:
		return elliptic.P384()
	case 521:
		return elliptic.P521()
	default:
		return elliptic.P256()
	}
}

func typeFromAlgo(algo string) KeyType {
	switch {
	case algo == ssh.KeyAlgoED25519:
		return TypeEd25519
	case algo == ssh.KeyAlgoRSA:
		return TypeRSA
	case strings.HasPrefix(algo, "ecdsa-"):
		return TypeECDSA
	}
	return KeyType(algo)
}
