package daemon

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/nyxnet/nyx/internal/noise"
	"github.com/nyxnet/nyx/internal/vdf"
)

// loadOrGenerateStaticKey loads the node's persisted X25519 static key from
// path, generating and storing a fresh one if the file doesn't exist yet.
func loadOrGenerateStaticKey(path string) (noise.Keypair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseStaticKey(strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return noise.Keypair{}, fmt.Errorf("daemon: read static key: %w", err)
	}

	kp, err := noise.GenerateKeypair()
	if err != nil {
		return noise.Keypair{}, fmt.Errorf("daemon: generate static key: %w", err)
	}
	if err := storeStaticKey(path, kp); err != nil {
		return noise.Keypair{}, err
	}
	return kp, nil
}

func parseStaticKey(hexStr string) (noise.Keypair, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != noise.KeySize {
		return noise.Keypair{}, fmt.Errorf("daemon: malformed static key file")
	}
	var kp noise.Keypair
	copy(kp.Private[:], b)
	// Public is re-derived rather than trusted from storage, matching
	// GenerateKeypair's invariant that Public is always curve25519 of
	// Private.
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

func storeStaticKey(path string, kp noise.Keypair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("daemon: create key directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(kp.Private[:])+"\n"), 0600); err != nil {
		return fmt.Errorf("daemon: write static key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("daemon: persist static key: %w", err)
	}
	return nil
}

// loadOrGenerateVDFModulus loads the node's persisted VDF modulus from
// path, generating and storing a fresh bits-sized one if absent. The
// modulus is generated once, on the first start that finds no file at
// path: nothing about the mix
// protocol depends on its factors staying secret, so there is no need to
// regenerate it on every start.
func loadOrGenerateVDFModulus(path string, bits int) (*big.Int, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		n, ok := new(big.Int).SetString(strings.TrimSpace(string(data)), 16)
		if !ok {
			return nil, fmt.Errorf("daemon: malformed vdf modulus file %s", path)
		}
		return n, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("daemon: read vdf modulus: %w", err)
	}

	n, err := vdf.GenerateModulus(bits)
	if err != nil {
		return nil, fmt.Errorf("daemon: generate vdf modulus: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("daemon: create vdf modulus directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(n.Text(16)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("daemon: write vdf modulus: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("daemon: persist vdf modulus: %w", err)
	}
	return n, nil
}
