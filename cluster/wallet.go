package cluster

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// wallet is the node's account file.
type wallet struct {
	NodeSecret string `json:"node_secret"`
}

// LoadWallet reads the node account key from a JSON wallet file of the form
// {"node_secret": "<hex private key>"}.
func LoadWallet(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWallet(data)
}

// ParseWallet decodes a wallet document.
func ParseWallet(data []byte) (*ecdsa.PrivateKey, error) {
	var w wallet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode wallet: %w", err)
	}
	if w.NodeSecret == "" {
		return nil, errors.New("wallet has no node_secret")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(w.NodeSecret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid node_secret: %w", err)
	}
	return key, nil
}
