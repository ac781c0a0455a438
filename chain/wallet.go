package chain

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cosmos/btcutil/base58"

	"github.com/Jerome2332/confidex-sub008/types"
)

// Wallet holds the crank's signing keypair. It is loaded once at startup and
// its Sign method is the single critical section for transaction signing.
type Wallet struct {
	mu   sync.Mutex
	priv ed25519.PrivateKey
	pub  types.Pubkey
}

// LoadWalletFile reads a keypair from a JSON 64-byte array file, the format
// the chain's standard tooling writes.
func LoadWalletFile(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	arr, err := parseByteArray(raw)
	if err != nil {
		return nil, fmt.Errorf("parse wallet file %s: %w", path, err)
	}
	return walletFromSecret(arr)
}

// LoadWalletSecret parses a secret key given as base58 or as a JSON 64-byte
// array, the two encodings accepted in the environment.
func LoadWalletSecret(secret string) (*Wallet, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "[") {
		arr, err := parseByteArray([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("parse secret key array: %w", err)
		}
		return walletFromSecret(arr)
	}
	return walletFromSecret(base58.Decode(secret))
}

// parseByteArray decodes a JSON array of numbers into raw bytes.
func parseByteArray(raw []byte) ([]byte, error) {
	var nums []int
	if err := json.Unmarshal(raw, &nums); err != nil {
		return nil, err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("byte %d out of range at index %d", n, i)
		}
		out[i] = byte(n)
	}
	return out, nil
}

func walletFromSecret(secret []byte) (*Wallet, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key is %d bytes, want %d", len(secret), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(secret)
	var pub types.Pubkey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Wallet{priv: priv, pub: pub}, nil
}

// NewWallet generates an ephemeral keypair. Dev and test use only.
func NewWallet() (*Wallet, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	var pub types.Pubkey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Wallet{priv: priv, pub: pub}, nil
}

// Pubkey returns the wallet's public key.
func (w *Wallet) Pubkey() types.Pubkey { return w.pub }

// Sign produces an ed25519 signature over msg.
func (w *Wallet) Sign(msg []byte) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ed25519.Sign(w.priv, msg)
}
