package identity

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestAuthHeaderRoundTrip tests build, render, parse, verify
func TestAuthHeaderRoundTrip(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	now := time.Now()
	header := NewAuthHeader("w-abc", keys.Private, now)

	wire := header.String()
	if !strings.HasPrefix(wire, "w-abc,") {
		t.Errorf("unexpected wire form: %s", wire)
	}

	parsed, err := ParseAuthHeader(wire)
	if err != nil {
		t.Fatalf("ParseAuthHeader: %v", err)
	}

	if err := parsed.Verify(keys.Public, now, 30*time.Second); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

// TestAuthHeaderRejections tests the verification failure modes
func TestAuthHeaderRejections(t *testing.T) {
	keys, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()
	now := time.Now()

	t.Run("wrong key", func(t *testing.T) {
		h := NewAuthHeader("w-abc", keys.Private, now)
		if err := h.Verify(other.Public, now, 30*time.Second); err != ErrBadSignature {
			t.Errorf("expected ErrBadSignature, got %v", err)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		h := NewAuthHeader("w-abc", keys.Private, now.Add(-time.Minute))
		if err := h.Verify(keys.Public, now, 30*time.Second); err != ErrTimestampSkew {
			t.Errorf("expected ErrTimestampSkew, got %v", err)
		}
	})

	t.Run("future timestamp", func(t *testing.T) {
		h := NewAuthHeader("w-abc", keys.Private, now.Add(time.Minute))
		if err := h.Verify(keys.Public, now, 30*time.Second); err != ErrTimestampSkew {
			t.Errorf("expected ErrTimestampSkew, got %v", err)
		}
	})

	t.Run("forged id", func(t *testing.T) {
		h := NewAuthHeader("w-abc", keys.Private, now)
		h.ID = "w-other"
		if err := h.Verify(keys.Public, now, 30*time.Second); err != ErrBadSignature {
			t.Errorf("expected ErrBadSignature, got %v", err)
		}
	})

	t.Run("malformed wire", func(t *testing.T) {
		for _, s := range []string{"", "one,two", "id,!!!,123", "id,c2ln,notanumber"} {
			if _, err := ParseAuthHeader(s); err == nil {
				t.Errorf("expected parse error for %q", s)
			}
		}
	})
}

// TestArtifactWriteLoad tests artifact persistence and validation
func TestArtifactWriteLoad(t *testing.T) {
	keys, _ := GenerateKeyPair()
	master, _ := GenerateKeyPair()

	art := NewArtifact("w-abc", keys, master.Public, "10.0.0.5:7700")
	path := filepath.Join(t.TempDir(), "w-abc.json")
	if err := art.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded, err := LoadArtifact(path)
	if err != nil {
		t.Fatalf("LoadArtifact: %v", err)
	}
	if loaded.ID != "w-abc" || loaded.SignAlgorithm != SignAlgorithm {
		t.Errorf("unexpected artifact: %+v", loaded)
	}

	priv, err := loaded.PrivateKey("")
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}

	// The recovered key must still sign valid headers
	h := NewAuthHeader(loaded.ID, priv, time.Now())
	if err := h.Verify(keys.Public, time.Now(), time.Second); err != nil {
		t.Errorf("recovered key does not verify: %v", err)
	}
}

// TestArtifactSeal tests passphrase sealing of the private key
func TestArtifactSeal(t *testing.T) {
	keys, _ := GenerateKeyPair()
	master, _ := GenerateKeyPair()

	art := NewArtifact("w-abc", keys, master.Public, "host:7700")
	if err := art.Seal("open sesame"); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if art.PrivKey != "" {
		t.Error("clear private key should be removed after sealing")
	}

	if _, err := art.PrivateKey(""); err != ErrArtifactLocked {
		t.Errorf("expected ErrArtifactLocked, got %v", err)
	}
	if _, err := art.PrivateKey("wrong"); err == nil {
		t.Error("wrong passphrase should fail")
	}

	priv, err := art.PrivateKey("open sesame")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if !priv.Equal(keys.Private) {
		t.Error("unsealed key differs from original")
	}
}

// TestArtifactValidation tests the struct-tag checks
func TestArtifactValidation(t *testing.T) {
	keys, _ := GenerateKeyPair()
	master, _ := GenerateKeyPair()

	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{"missing id", func(a *Artifact) { a.ID = "" }},
		{"missing host", func(a *Artifact) { a.Host = "" }},
		{"wrong algorithm", func(a *Artifact) { a.SignAlgorithm = "rsa" }},
		{"no key at all", func(a *Artifact) { a.PrivKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art := NewArtifact("w-abc", keys, master.Public, "host:7700")
			tt.mutate(art)
			if err := art.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// TestMintWorkerID tests minted ids are short and unique
func TestMintWorkerID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := MintWorkerID()
		if !strings.HasPrefix(id, "w-") || len(id) != 10 {
			t.Fatalf("unexpected id shape: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id minted: %q", id)
		}
		seen[id] = true
	}
}
