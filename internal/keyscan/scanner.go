// Package keyscan inventories the SSH keys present in a local key
// directory, typically ~/.ssh.
package keyscan

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// KeyInfo describes one key pair found on disk.
type KeyInfo struct {
	// Path is the private key path (the .pub sibling minus its suffix),
	// whether or not the private half actually exists.
	Path        string    `json:"path"`
	Type        string    `json:"type"`
	Bits        int       `json:"bits,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	HasPrivate  bool      `json:"has_private"`
	ModTime     time.Time `json:"mod_time"`
}

// Age returns how long ago the key was last written.
func (k KeyInfo) Age(now time.Time) time.Duration {
	return now.Sub(k.ModTime)
}

// Scan walks dir (non-recursively) and returns one KeyInfo per public key
// file, sorted oldest first. Unparseable .pub files are skipped.
func Scan(dir string) ([]KeyInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read key dir: %w", err)
	}

	var keys []KeyInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		pubPath := filepath.Join(dir, entry.Name())
		info, err := inspect(pubPath)
		if err != nil {
			continue
		}
		keys = append(keys, info)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].ModTime.Before(keys[j].ModTime)
	})
	return keys, nil
}

func inspect(pubPath string) (KeyInfo, error) {
	raw, err := os.ReadFile(pubPath)
	if err != nil {
		return KeyInfo{}, err
	}
	pk, comment, _, _, err := ssh.ParseAuthorizedKey(raw)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("parse %s: %w", pubPath, err)
	}

	privPath := strings.TrimSuffix(pubPath, ".pub")
	info := KeyInfo{
		Path:        privPath,
		Type:        algoName(pk.Type()),
		Bits:        keyBits(pk),
		Comment:     comment,
		Fingerprint: ssh.FingerprintSHA256(pk),
	}

	if st, err := os.Stat(privPath); err == nil && !st.IsDir() {
		info.HasPrivate = true
		info.ModTime = st.ModTime()
	} else if st, err := os.Stat(pubPath); err == nil {
		info.ModTime = st.ModTime()
	}
	return info, nil
}

// algoName maps wire algorithm identifiers to the short names used in
// key generation requests.
func algoName(algo string) string {
	switch algo {
	case ssh.KeyAlgoED25519:
		return "ed25519"
	case ssh.KeyAlgoRSA:
		return "rsa"
	case ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521:
		return "ecdsa"
	default:
		return algo
	}
}

// keyBits reports the key size where the algorithm encodes one.
func keyBits(pk ssh.PublicKey) int {
	switch pk.Type() {
	case ssh.KeyAlgoECDSA256:
		return 256
	case ssh.KeyAlgoECDSA384:
		return 384
	case ssh.KeyAlgoECDSA521:
		return 521
	case ssh.KeyAlgoED25519:
		return 256
	case ssh.KeyAlgoRSA:
		// The wire blob carries the modulus; its bit length is the key size.
		if cpk, ok := pk.(ssh.CryptoPublicKey); ok {
			if k, ok := cpk.CryptoPublicKey().(*rsa.PublicKey); ok {
				return k.N.BitLen()
			}
		}
	}
	return 0
}
