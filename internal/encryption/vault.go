package encryption

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"

	dErrors "dossier/pkg/domain-errors"
)

const vaultPrefix = "transit:"

// VaultKeyManager issues per-document data keys from Vault's transit engine.
// The wrapped key travels in the key ID; unwrapping requires the same
// "documentID:userID" derivation context it was issued under, so the
// transit key must be created with derived=true.
type VaultKeyManager struct {
	client *api.Client
	mount  string
	key    string
}

// VaultConfig holds the transit engine coordinates.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	KeyName string
}

func NewVaultKeyManager(cfg VaultConfig) (*VaultKeyManager, error) {
	vcfg := api.DefaultConfig()
	vcfg.Address = cfg.Address
	client, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	mount := cfg.Mount
	if mount == "" {
		mount = "transit"
	}
	return &VaultKeyManager{client: client, mount: mount, key: cfg.KeyName}, nil
}

func (v *VaultKeyManager) GetOrCreateKey(ctx context.Context, documentID, userID string) (Key, error) {
	path := fmt.Sprintf("%s/datakey/plaintext/%s", v.mount, v.key)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"bits":    KeySize * 8,
		"context": derivationContext(documentID, userID),
	})
	if err != nil {
		return Key{}, dErrors.Wrap(err, dErrors.CodeEncryptionFailed, "generate data key")
	}
	if secret == nil {
		return Key{}, dErrors.New(dErrors.CodeEncryptionFailed, "empty data key response")
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return Key{}, dErrors.New(dErrors.CodeEncryptionFailed, "invalid plaintext in data key response")
	}
	wrapped, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return Key{}, dErrors.New(dErrors.CodeEncryptionFailed, "invalid ciphertext in data key response")
	}
	material, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil || len(material) != KeySize {
		return Key{}, dErrors.New(dErrors.CodeEncryptionFailed, "invalid data key length")
	}
	return Key{ID: vaultPrefix + wrapped, Material: material}, nil
}

func (v *VaultKeyManager) GetKey(ctx context.Context, keyID, documentID, userID string) ([]byte, error) {
	wrapped, ok := strings.CutPrefix(keyID, vaultPrefix)
	if !ok || wrapped == "" {
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "unrecognised key id")
	}
	path := fmt.Sprintf("%s/decrypt/%s", v.mount, v.key)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"ciphertext": wrapped,
		"context":    derivationContext(documentID, userID),
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "unwrap data key")
	}
	if secret == nil {
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "empty unwrap response")
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "invalid unwrap response")
	}
	material, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil || len(material) != KeySize {
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "invalid data key length")
	}
	return material, nil
}

// Health reports whether Vault is reachable and unsealed.
func (v *VaultKeyManager) Health(ctx context.Context) error {
	health, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func derivationContext(documentID, userID string) string {
	return base64.StdEncoding.EncodeToString([]byte(documentID + ":" + userID))
}
