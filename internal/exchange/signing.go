package exchange

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	eip712DomainType = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	agentType        = "Agent(string source,bytes32 connectionId)"

	l1DomainName    = "Exchange"
	l1DomainVersion = "1"
	l1ChainID       = 1337

	mainnetSource = "a"
	testnetSource = "b"
)

// Signature is the wire form of an action signature.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

// Signer signs L1 actions with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mainnet bool
}

// NewSigner parses a hex encoded private key.
func NewSigner(hexKey string, mainnet bool) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.New("secret key is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse secret key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), mainnet: mainnet}, nil
}

// Address is the address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAction hashes the msgpack encoded action and signs it as a phantom agent.
func (s *Signer) SignAction(action any, nonce uint64, vault *common.Address) (Signature, error) {
	connectionID, err := actionHash(action, nonce, vault)
	if err != nil {
		return Signature{}, err
	}

	source := testnetSource
	if s.mainnet {
		source = mainnetSource
	}

	digest := agentDigest(source, connectionID)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("sign action: %w", err)
	}

	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}

func actionHash(action any, nonce uint64, vault *common.Address) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, fmt.Errorf("msgpack action: %w", err)
	}

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf.Write(nonceBytes[:])

	if vault == nil {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.Write(vault.Bytes())
	}

	return crypto.Keccak256(buf.Bytes()), nil
}

func agentDigest(source string, connectionID []byte) []byte {
	domainSeparator := crypto.Keccak256(
		crypto.Keccak256([]byte(eip712DomainType)),
		crypto.Keccak256([]byte(l1DomainName)),
		crypto.Keccak256([]byte(l1DomainVersion)),
		common.LeftPadBytes(big.NewInt(l1ChainID).Bytes(), 32),
		common.LeftPadBytes(common.Address{}.Bytes(), 32),
	)

	structHash := crypto.Keccak256(
		crypto.Keccak256([]byte(agentType)),
		crypto.Keccak256([]byte(source)),
		common.LeftPadBytes(connectionID, 32),
	)

	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash)
}
