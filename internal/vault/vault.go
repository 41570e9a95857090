// Package vault implements the Credential Vault (spec.md §4.2): per-user
// key derivation and AEAD encryption/decryption of signing keys and exchange
// API credentials, grounded on original_source/src/api/crypto.rs.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"strings"

	"github.com/web3guy0/polybot/internal/errs"
)

// Credentials is the decrypted blob stored alongside a trading wallet row:
// exchange API secret and passphrase, paired with the already-decrypted
// signing key bytes.
type Credentials struct {
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// DeriveUserKey derives a per-user symmetric key from the 32-byte
// process-wide master key via HMAC-SHA256 over the lowercased address.
func DeriveUserKey(masterKey [32]byte, userAddress string) [32]byte {
	mac := hmac.New(sha256.New, masterKey[:])
	mac.Write([]byte(strings.ToLower(userAddress)))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// EncryptSecret encrypts plaintext with AES-256-GCM using a fresh random
// nonce. aad binds the ciphertext to the owning user address. Returns
// (ciphertext, nonce).
func EncryptSecret(key [32]byte, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, errs.WrapErr(errs.SigningError, err, "vault: new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errs.WrapErr(errs.SigningError, err, "vault: new gcm")
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errs.WrapErr(errs.SigningError, err, "vault: read nonce")
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

// DecryptSecret decrypts ciphertext with AES-256-GCM. aad must match the
// value used during encryption (lowercased owner address bytes). Returns
// errs.DecryptionError on AAD mismatch or ciphertext tamper.
func DecryptSecret(key [32]byte, ciphertext, nonce, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errs.WrapErr(errs.DecryptionError, err, "vault: new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.WrapErr(errs.DecryptionError, err, "vault: new gcm")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.WrapErr(errs.DecryptionError, err, "vault: decrypt (aad mismatch or tamper)")
	}
	return plaintext, nil
}

// DecryptCredentials decrypts and unmarshals the CLOB credential blob.
func DecryptCredentials(key [32]byte, ciphertext, nonce, aad []byte) (Credentials, error) {
	raw, err := DecryptSecret(key, ciphertext, nonce, aad)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, errs.WrapErr(errs.DecryptionError, err, "vault: invalid credentials json")
	}
	if creds.Secret == "" || creds.Passphrase == "" {
		return Credentials{}, errs.Wrap(errs.DecryptionError, "vault: missing secret or passphrase in credentials")
	}
	return creds, nil
}

// EncryptCredentials marshals and encrypts the CLOB credential blob. Used by
// the (out-of-scope) HTTP onboarding flow; kept here because it's the
// natural inverse of DecryptCredentials and exercised by vault tests.
func EncryptCredentials(key [32]byte, creds Credentials, aad []byte) (ciphertext, nonce []byte, err error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, nil, errs.WrapErr(errs.SigningError, err, "vault: marshal credentials")
	}
	return EncryptSecret(key, raw, aad)
}
