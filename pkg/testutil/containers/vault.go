//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcvault "github.com/testcontainers/testcontainers-go/modules/vault"
)

const (
	VaultRootToken  = "dossier-root-token"
	VaultTransitKey = "dossier-documents"
)

// VaultContainer runs Vault in dev mode with the transit engine enabled.
type VaultContainer struct {
	Container testcontainers.Container
	Addr      string
	Token     string
}

func NewVaultContainer(t *testing.T) *VaultContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcvault.Run(ctx, "hashicorp/vault:1.17",
		tcvault.WithToken(VaultRootToken),
		tcvault.WithInitCommand(
			"secrets enable transit",
			"write -f transit/keys/"+VaultTransitKey+" derived=true",
		),
	)
	if err != nil {
		t.Fatalf("failed to start vault container: %v", err)
	}
	addr, err := container.HttpHostAddress(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get vault address: %v", err)
	}
	return &VaultContainer{Container: container, Addr: addr, Token: VaultRootToken}
}
