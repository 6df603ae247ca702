package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/dd0wney/cluso-fleet/pkg/encryption"
)

var validate = validator.New()

// ErrArtifactLocked is returned when the private key is sealed and no
// passphrase was supplied.
var ErrArtifactLocked = errors.New("artifact private key is sealed; passphrase required")

// Artifact is the per-worker config file generated when the orchestrator
// mints a new identity. It is delivered to the worker host out of band and
// is everything the agent needs to authenticate.
type Artifact struct {
	ID            string `json:"id" validate:"required"`
	PubKey        string `json:"pubKey" validate:"required,base64rawurl"`
	PrivKey       string `json:"privKey,omitempty" validate:"omitempty,base64rawurl"`
	PrivKeySealed string `json:"privKeySealed,omitempty"`
	KDFSalt       string `json:"kdfSalt,omitempty"`
	MasterPubKey  string `json:"masterPubKey" validate:"required,base64rawurl"`
	Host          string `json:"host" validate:"required"`
	SignAlgorithm string `json:"signAlgorithm" validate:"required,eq=ed25519"`
}

// NewArtifact builds a clear-text artifact for a freshly minted worker.
func NewArtifact(id string, keys *KeyPair, masterPub ed25519.PublicKey, host string) *Artifact {
	return &Artifact{
		ID:            id,
		PubKey:        EncodeKey(keys.Public),
		PrivKey:       EncodeKey(keys.Private),
		MasterPubKey:  EncodeKey(masterPub),
		Host:          host,
		SignAlgorithm: SignAlgorithm,
	}
}

// Seal replaces the clear private key with an AES-GCM sealed copy under a
// PBKDF2-derived key. The artifact can then sit on disk without exposing
// signing capability.
func (a *Artifact) Seal(passphrase string) error {
	if a.PrivKey == "" {
		return errors.New("artifact has no clear private key to seal")
	}

	salt, err := encryption.GenerateSalt()
	if err != nil {
		return err
	}
	engine, err := encryption.NewEngineFromPassphrase(passphrase, salt)
	if err != nil {
		return err
	}

	raw, err := base64.RawURLEncoding.DecodeString(a.PrivKey)
	if err != nil {
		return fmt.Errorf("invalid private key encoding: %w", err)
	}
	sealed, err := engine.Encrypt(raw)
	if err != nil {
		return err
	}

	a.PrivKey = ""
	a.PrivKeySealed = base64.RawURLEncoding.EncodeToString(sealed)
	a.KDFSalt = base64.RawURLEncoding.EncodeToString(salt)
	return nil
}

// PrivateKey returns the signing key, unsealing it if necessary.
func (a *Artifact) PrivateKey(passphrase string) (ed25519.PrivateKey, error) {
	if a.PrivKey != "" {
		return DecodePrivateKey(a.PrivKey)
	}
	if a.PrivKeySealed == "" {
		return nil, errors.New("artifact carries no private key")
	}
	if passphrase == "" {
		return nil, ErrArtifactLocked
	}

	salt, err := base64.RawURLEncoding.DecodeString(a.KDFSalt)
	if err != nil {
		return nil, fmt.Errorf("invalid kdf salt: %w", err)
	}
	engine, err := encryption.NewEngineFromPassphrase(passphrase, salt)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.RawURLEncoding.DecodeString(a.PrivKeySealed)
	if err != nil {
		return nil, fmt.Errorf("invalid sealed key encoding: %w", err)
	}
	raw, err := engine.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal failed: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("unsealed key has wrong length")
	}
	return ed25519.PrivateKey(raw), nil
}

// Validate checks the artifact's structure.
func (a *Artifact) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("artifact validation failed: %w", err)
	}
	if a.PrivKey == "" && a.PrivKeySealed == "" {
		return errors.New("artifact must carry a clear or sealed private key")
	}
	return nil
}

// WriteFile persists the artifact atomically with owner-only permissions.
func (a *Artifact) WriteFile(path string) error {
	if err := a.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}

// LoadArtifact reads and validates an artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
