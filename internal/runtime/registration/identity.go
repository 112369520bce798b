package registration

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/buskit-dev/buskit/internal/runtime/jsoncodec"
)

const identityFileName = "identity"

// Identity is the durable service identity assigned by the registrar.
// It survives restarts so a rebooting service resumes its uid instead of
// being minted a new one.
type Identity struct {
	UID          string `json:"uid"`
	Service      string `json:"service"`
	RegisteredAt string `json:"registered_at,omitempty"`
}

// LoadIdentity reads the persisted identity from dataDir. A missing file
// is not an error; it returns (nil, nil) and signals a first boot.
func LoadIdentity(dataDir string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, identityFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var id Identity
	if err := jsoncodec.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if id.UID == "" {
		return nil, nil
	}
	return &id, nil
}

// SaveIdentity persists the identity with owner-only permissions.
func SaveIdentity(dataDir string, id *Identity) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := jsoncodec.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	path := filepath.Join(dataDir, identityFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
