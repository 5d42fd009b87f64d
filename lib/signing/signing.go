package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Hash returns the sha256 digest of data
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DecodeKey decodes a bech32 key (npub/nsec) into raw bytes
func DecodeKey(serializedKey string) ([]byte, error) {
	_, bytesToBits, err := bech32.Decode(serializedKey)
	if err != nil {
		return nil, err
	}

	keyBytes, err := bech32.ConvertBits(bytesToBits, 5, 8, false)
	if err != nil {
		return nil, err
	}

	return keyBytes, nil
}

// EncodePublicKey returns the npub form of an x-only hex public key
func EncodePublicKey(pubkeyHex string) (string, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(raw) != schnorr.PubKeyBytesLen {
		return "", fmt.Errorf("public key must be %d hex encoded bytes", schnorr.PubKeyBytesLen)
	}

	bytesToBits, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}

	return bech32.Encode("npub", bytesToBits)
}

// NormalizePublicKey accepts an npub or a 64 character hex key and returns lowercase hex
func NormalizePublicKey(key string) (string, error) {
	key = strings.TrimSpace(key)

	if strings.HasPrefix(key, "npub1") {
		raw, err := DecodeKey(key)
		if err != nil {
			return "", fmt.Errorf("failed to decode npub: %w", err)
		}
		if len(raw) != schnorr.PubKeyBytesLen {
			return "", fmt.Errorf("npub decodes to %d bytes", len(raw))
		}
		return hex.EncodeToString(raw), nil
	}

	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != schnorr.PubKeyBytesLen {
		return "", fmt.Errorf("invalid public key %q", key)
	}
	return strings.ToLower(key), nil
}

// ParsePublicKey parses an x-only hex encoded public key
func ParsePublicKey(pubkeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return nil, err
	}

	return schnorr.ParsePubKey(raw)
}

// VerifySignature checks a hex encoded schnorr signature over hash under pubkeyHex
func VerifySignature(sigHex string, hash []byte, pubkeyHex string) error {
	publicKey, err := ParsePublicKey(pubkeyHex)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	rawSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	signature, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %w", err)
	}

	if !signature.Verify(hash, publicKey) {
		return fmt.Errorf("data failed to verify")
	}

	return nil
}

// PrivateKeyFromHex loads a hex encoded secp256k1 secret key
func PrivateKeyFromHex(skHex string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(skHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 hex encoded bytes")
	}

	privateKey, _ := btcec.PrivKeyFromBytes(raw)
	return privateKey, nil
}

// PublicKeyHex returns the x-only hex public key of privateKey
func PublicKeyHex(privateKey *secp256k1.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(privateKey.PubKey()))
}

// SignData signs hash and returns the signature hex encoded
func SignData(hash []byte, privateKey *secp256k1.PrivateKey) (string, error) {
	signature, err := schnorr.Sign(privateKey, hash)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(signature.Serialize()), nil
}
