package signature

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// signDigest produces the R || S || V hex form an agent sends.
func signDigest(t *testing.T, priv *btcec.PrivateKey, digest [32]byte) string {
	t.Helper()
	compact := btcecdsa.SignCompact(priv, digest[:], false)
	// SignCompact puts the recovery byte first; the wire form is R || S || V.
	wire := make([]byte, 65)
	copy(wire[0:32], compact[1:33])
	copy(wire[32:64], compact[33:65])
	wire[64] = compact[0] - 27
	return "0x" + hex.EncodeToString(wire)
}

func addressOf(priv *btcec.PrivateKey) string {
	return pubKeyToAddress(priv.PubKey())
}

type staticOwners map[uuid.UUID]string

func (o staticOwners) MachineOwner(_ context.Context, machineID uuid.UUID) (string, error) {
	owner, ok := o[machineID]
	if !ok {
		return "", ErrUnknownMachine
	}
	return owner, nil
}

func TestRecoverRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	machineID := uuid.New()
	at := time.Unix(1700000000, 0)
	digest := NodeDataDigest(machineID, models.NodeData{Name: "node-a", Version: "1.2.3"}, at)

	sig := signDigest(t, priv, digest)
	got, err := Recover(digest, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got != addressOf(priv) {
		t.Errorf("recovered %s, want %s", got, addressOf(priv))
	}

	// Without the 0x prefix recovery still works.
	if _, err := Recover(digest, strings.TrimPrefix(sig, "0x")); err != nil {
		t.Errorf("Recover without prefix: %v", err)
	}
}

func TestRecoverMalformed(t *testing.T) {
	var digest [32]byte
	for _, sig := range []string{"", "0xzz", "0xdeadbeef", strings.Repeat("00", 64)} {
		if _, err := Recover(digest, sig); !errors.Is(err, ErrMalformedSignature) {
			t.Errorf("Recover(%q) = %v, want ErrMalformedSignature", sig, err)
		}
	}
}

func TestChecksumAddress(t *testing.T) {
	// Known EIP-55 vector.
	raw, _ := hex.DecodeString("5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	want := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	if got := toChecksumAddress(raw); got != want {
		t.Errorf("toChecksumAddress = %s, want %s", got, want)
	}
}

func TestVerifyMachine(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	machineID := uuid.New()
	unknownID := uuid.New()
	owners := staticOwners{machineID: addressOf(priv)}

	v := NewVerifier(owners)
	now := time.Unix(1700000000, 0)
	v.now = func() time.Time { return now }

	at := now.Add(-time.Minute)
	digest := MetricsDigest(machineID, "node-a", []models.MetricSample{
		{Name: "running", Value: 1},
		{Name: "cpu_usage", Value: 42.5},
	}, at)

	t.Run("valid", func(t *testing.T) {
		owner, err := v.VerifyMachine(context.Background(), machineID, digest, signDigest(t, priv, digest), at)
		if err != nil {
			t.Fatalf("VerifyMachine: %v", err)
		}
		if owner != addressOf(priv) {
			t.Errorf("owner = %s, want %s", owner, addressOf(priv))
		}
	})

	t.Run("wrong signer", func(t *testing.T) {
		_, err := v.VerifyMachine(context.Background(), machineID, digest, signDigest(t, other, digest), at)
		if !errors.Is(err, ErrSignerMismatch) {
			t.Errorf("err = %v, want ErrSignerMismatch", err)
		}
	})

	t.Run("unknown machine", func(t *testing.T) {
		_, err := v.VerifyMachine(context.Background(), unknownID, digest, signDigest(t, priv, digest), at)
		if !errors.Is(err, ErrUnknownMachine) {
			t.Errorf("err = %v, want ErrUnknownMachine", err)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		stale := now.Add(-DefaultMaxSkew - time.Second)
		_, err := v.VerifyMachine(context.Background(), machineID, digest, signDigest(t, priv, digest), stale)
		if !errors.Is(err, ErrStaleTimestamp) {
			t.Errorf("err = %v, want ErrStaleTimestamp", err)
		}
	})

	t.Run("future timestamp", func(t *testing.T) {
		future := now.Add(DefaultMaxSkew + time.Second)
		_, err := v.VerifyMachine(context.Background(), machineID, digest, signDigest(t, priv, digest), future)
		if !errors.Is(err, ErrStaleTimestamp) {
			t.Errorf("err = %v, want ErrStaleTimestamp", err)
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		tampered := MetricsDigest(machineID, "node-a", []models.MetricSample{
			{Name: "running", Value: 0},
			{Name: "cpu_usage", Value: 42.5},
		}, at)
		_, err := v.VerifyMachine(context.Background(), machineID, tampered, signDigest(t, priv, digest), at)
		if err == nil {
			t.Error("expected verification failure for tampered payload")
		}
	})
}
