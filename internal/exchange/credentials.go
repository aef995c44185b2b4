package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Credentials is the on-disk wallet file read once at startup.
type Credentials struct {
	AccountAddress string `json:"account_address"`
	SecretKey      string `json:"secret_key"`
}

// LoadCredentials reads and validates a JSON credentials file.
func LoadCredentials(path string) (Credentials, error) {
	if path == "" {
		return Credentials{}, errors.New("credentials path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}

	creds.AccountAddress = strings.TrimSpace(creds.AccountAddress)
	creds.SecretKey = strings.TrimSpace(creds.SecretKey)

	if creds.SecretKey == "" {
		return Credentials{}, errors.New("credentials: secret_key is required")
	}
	if creds.AccountAddress != "" && !common.IsHexAddress(creds.AccountAddress) {
		return Credentials{}, fmt.Errorf("credentials: invalid account_address %q", creds.AccountAddress)
	}
	return creds, nil
}

// Signer builds a signer from the credentials. An empty account address
// defaults to the key's own address; a different one means an API wallet
// trading on behalf of the account.
func (c Credentials) Signer(mainnet bool) (*Signer, string, error) {
	signer, err := NewSigner(c.SecretKey, mainnet)
	if err != nil {
		return nil, "", err
	}
	account := c.AccountAddress
	if account == "" {
		account = signer.Address().Hex()
	}
	return signer, account, nil
}
