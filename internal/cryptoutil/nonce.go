package cryptoutil

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/keithlinneman/mdembed/internal/xerrors"
)

const (
	DefaultNonceLifetime = 24 * time.Hour

	// nonceLen is the number of hex characters kept from the MAC.
	nonceLen = 24

	minSecretLen = 32
)

// MAC computes a keyed digest over msg.
type MAC interface {
	Sum(ctx context.Context, msg []byte) ([]byte, error)
}

// HMACKey is a local HMAC-SHA256 secret.
type HMACKey []byte

// NewHMACKey rejects secrets shorter than 32 bytes.
func NewHMACKey(secret []byte) (HMACKey, error) {
	if len(secret) < minSecretLen {
		return nil, xerrors.Newf("hmac secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	return HMACKey(secret), nil
}

func (k HMACKey) Sum(_ context.Context, msg []byte) ([]byte, error) {
	return HMACSHA256(k, msg), nil
}

// Nonces issues and verifies action-bound tokens. Time is cut into ticks of
// half the lifetime; a token verifies during the tick it was issued in and
// the one after, so it lives between lifetime/2 and lifetime.
type Nonces struct {
	mac      MAC
	lifetime time.Duration
	now      func() time.Time
}

func NewNonces(mac MAC, lifetime time.Duration) *Nonces {
	if lifetime < 2*time.Second {
		lifetime = DefaultNonceLifetime
	}
	return &Nonces{mac: mac, lifetime: lifetime, now: time.Now}
}

func (n *Nonces) tick() int64 {
	half := int64(n.lifetime / 2)
	return n.now().UnixNano()/half + 1
}

func (n *Nonces) token(ctx context.Context, action string, tick int64) (string, error) {
	sum, err := n.mac.Sum(ctx, []byte(strconv.FormatInt(tick, 10)+"|"+action))
	if err != nil {
		return "", xerrors.Wrap(err, "compute nonce mac")
	}
	h := hex.EncodeToString(sum)
	if len(h) < nonceLen {
		return "", xerrors.Newf("mac too short: %d hex chars", len(h))
	}
	return h[:nonceLen], nil
}

// Issue returns a token for action valid from now.
func (n *Nonces) Issue(ctx context.Context, action string) (string, error) {
	return n.token(ctx, action, n.tick())
}

// Verify reports whether token was issued for action within the validity window.
func (n *Nonces) Verify(ctx context.Context, action, token string) (bool, error) {
	if len(token) != nonceLen {
		return false, nil
	}
	cur := n.tick()
	for _, t := range []int64{cur, cur - 1} {
		want, err := n.token(ctx, action, t)
		if err != nil {
			return false, err
		}
		if HashEqual(want, token) {
			return true, nil
		}
	}
	return false, nil
}
