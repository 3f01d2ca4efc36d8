package payment

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces the authorization header bytes for one challenge. The
// engine never touches the private key; it only forwards the challenge and a
// digest of the request body being paid for. Implementations must be
// deterministic given the key and the challenge nonce.
type Signer interface {
	Sign(ctx context.Context, ch Challenge, requestDigest [32]byte) ([]byte, error)
	Address() string
}

// authPayload is the header body: everything the recipient needs to verify
// the signature without a second round-trip.
type authPayload struct {
	Payer      string `json:"payer"`
	Amount     string `json:"amount"`
	Asset      string `json:"asset"`
	Chain      string `json:"chain"`
	Recipient  string `json:"recipient"`
	Nonce      string `json:"nonce"`
	ValidUntil int64  `json:"validUntil"`
	Digest     string `json:"digest"`
	Signature  string `json:"signature"`
}

// WalletSigner signs challenges with a secp256k1 wallet key.
type WalletSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewWalletSigner parses a hex private key, with or without the 0x prefix.
func NewWalletSigner(hexKey string) (*WalletSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("payment: empty wallet key")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("payment: parse wallet key: %w", err)
	}
	return &WalletSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the checksummed wallet address derived from the key.
func (s *WalletSigner) Address() string {
	return s.addr.Hex()
}

// Sign produces the authorization header value: a base64 JSON payload whose
// signature covers the keccak hash of the canonical challenge fields plus the
// request digest. The recovery id is shifted to the Ethereum convention.
func (s *WalletSigner) Sign(ctx context.Context, ch Challenge, requestDigest [32]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digestHex := "0x" + hex.EncodeToString(requestDigest[:])
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s",
		ch.Amount, ch.Asset, ch.Chain, ch.Recipient, ch.Nonce, ch.ValidUntil, digestHex)
	hash := crypto.Keccak256([]byte(canonical))

	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("payment: sign challenge: %w", err)
	}
	sig[64] += 27

	payload, err := json.Marshal(authPayload{
		Payer:      s.addr.Hex(),
		Amount:     ch.Amount,
		Asset:      ch.Asset,
		Chain:      ch.Chain,
		Recipient:  ch.Recipient,
		Nonce:      ch.Nonce,
		ValidUntil: ch.ValidUntil,
		Digest:     digestHex,
		Signature:  "0x" + hex.EncodeToString(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("payment: marshal authorization: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(out, payload)
	return out, nil
}
