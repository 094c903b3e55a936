// Package cryptoutil provides the keyed hashing behind refresh nonces.
//
// It supports:
//   - Action-bound nonces with a rolling validity window
//   - HMAC-SHA256 with a local secret or an AWS KMS HMAC key
//   - Loading the local secret from an SSM SecureString parameter
//   - Constant-time comparison to prevent timing side-channels
//   - SHA-256 hashing for cache keys
package cryptoutil
