package cryptoutil

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/mdembed/internal/xerrors"
)

// kmsMacAPI is the subset of the KMS API needed to compute a MAC.
// Extracted as an interface to enable unit testing without live AWS credentials.
type kmsMacAPI interface {
	GenerateMac(ctx context.Context, params *kms.GenerateMacInput, optFns ...func(*kms.Options)) (*kms.GenerateMacOutput, error)
}

// maxCachedMacs bounds the per-message cache. Nonce messages change once per
// tick, so only a handful are live at any time.
const maxCachedMacs = 64

// KMSMAC computes HMAC-SHA256 with a KMS HMAC key so the secret never leaves KMS.
// Results are cached per message: every page render needs the same MAC.
type KMSMAC struct {
	client kmsMacAPI
	keyID  string

	mu    sync.Mutex
	cache map[string][]byte
}

func NewKMSMAC(client *kms.Client, keyID string) *KMSMAC {
	return newKMSMAC(client, keyID)
}

func newKMSMAC(client kmsMacAPI, keyID string) *KMSMAC {
	return &KMSMAC{client: client, keyID: keyID, cache: make(map[string][]byte)}
}

func (m *KMSMAC) Sum(ctx context.Context, msg []byte) ([]byte, error) {
	m.mu.Lock()
	if sum, ok := m.cache[string(msg)]; ok {
		m.mu.Unlock()
		return sum, nil
	}
	m.mu.Unlock()

	if m.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	out, err := m.client.GenerateMac(ctx, &kms.GenerateMacInput{
		KeyId:        aws.String(m.keyID),
		MacAlgorithm: kmstypes.MacAlgorithmSpecHmacSha256,
		Message:      msg,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms generate mac with %s", m.keyID)
	}
	if len(out.Mac) == 0 {
		return nil, xerrors.New("kms returned an empty mac")
	}

	m.mu.Lock()
	if len(m.cache) >= maxCachedMacs {
		clear(m.cache)
	}
	m.cache[string(msg)] = out.Mac
	m.mu.Unlock()

	return out.Mac, nil
}
