package signature

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrMalformedSignature means the signature could not be parsed or no
	// public key could be recovered from it.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrUnknownMachine means the machine id is not registered.
	ErrUnknownMachine = errors.New("unknown machine")
	// ErrSignerMismatch means the recovered address is not the client the
	// machine is bound to.
	ErrSignerMismatch = errors.New("signer does not match machine owner")
	// ErrStaleTimestamp means the signed timestamp is outside the accepted
	// clock skew window.
	ErrStaleTimestamp = errors.New("stale message timestamp")
)

// DefaultMaxSkew bounds how far a signed timestamp may drift from server
// time in either direction.
const DefaultMaxSkew = 5 * time.Minute

// Recover returns the EIP-55 address that produced sig over digest. sig is
// the 65-byte R || S || V form, hex encoded with or without 0x prefix; V may
// be 0/1 or 27/28.
func Recover(digest [32]byte, sigHex string) (string, error) {
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return "", err
	}

	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, sig[64])
	}

	// RecoverCompact wants the recovery byte first.
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:33], sig[0:32])
	copy(compact[33:65], sig[32:64])

	pubKey, _, err := btcecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	return pubKeyToAddress(pubKey), nil
}

func decodeSignature(sigHex string) ([]byte, error) {
	sigHex = strings.TrimPrefix(strings.TrimSpace(sigHex), "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: length %d, want 65", ErrMalformedSignature, len(sig))
	}
	return sig, nil
}

func pubKeyToAddress(pub *btcec.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	return toChecksumAddress(h.Sum(nil)[12:])
}

// toChecksumAddress applies EIP-55 mixed-case encoding.
func toChecksumAddress(addr []byte) string {
	lower := hex.EncodeToString(addr)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	hash := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			c = c - 'a' + 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// OwnerResolver resolves a machine id to the client address it is bound to.
type OwnerResolver interface {
	MachineOwner(ctx context.Context, machineID uuid.UUID) (string, error)
}

// Verifier authenticates signed telemetry: it recovers the signer from the
// canonical digest and checks it against the machine's registered client.
type Verifier struct {
	owners  OwnerResolver
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(owners OwnerResolver) *Verifier {
	return &Verifier{owners: owners, maxSkew: DefaultMaxSkew, now: time.Now}
}

// CheckTimestamp rejects signed timestamps outside the skew window.
func (v *Verifier) CheckTimestamp(at time.Time) error {
	drift := v.now().Sub(at)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxSkew {
		return ErrStaleTimestamp
	}
	return nil
}

// VerifyMachine authenticates one request. It returns the client address the
// machine belongs to when the signature checks out. The timestamp must
// already be baked into digest by the caller's canonicalization.
func (v *Verifier) VerifyMachine(ctx context.Context, machineID uuid.UUID, digest [32]byte, sigHex string, at time.Time) (string, error) {
	if err := v.CheckTimestamp(at); err != nil {
		return "", err
	}

	signer, err := Recover(digest, sigHex)
	if err != nil {
		return "", err
	}

	owner, err := v.owners.MachineOwner(ctx, machineID)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(owner, signer) {
		return "", ErrSignerMismatch
	}
	return owner, nil
}
