// Package vault encrypts connector credentials at rest.
//
// Payloads are small string maps (API keys, OAuth tokens). They are JSON encoded
// and sealed with XChaCha20-Poly1305; the opaque output is base64url of
// nonce || ciphertext || tag. Decryption of anything else returns ErrDecryption.
//
// The key is process-wide configuration, loaded once at startup:
//
//	vault:
//	  key: "${COVEN_VAULT_KEY}"   # 32 bytes, base64
//
// or derived from a passphrase:
//
//	vault:
//	  passphrase: "${COVEN_VAULT_PASSPHRASE}"
//	  salt: "at-least-16-bytes-of-salt"
package vault
