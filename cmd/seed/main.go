// Command seed creates sample draft requests for local development. Drafts
// whose VM name already exists for the owner are skipped.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vm-broker/backend/internal/config"
	"vm-broker/backend/internal/logging"
	"vm-broker/backend/internal/repository"
	"vm-broker/backend/pkg/models"
)

var seedRequests = []models.VMRequest{
	{
		ActionType:        models.ActionCreate,
		Environment:       "DEV",
		Resource:          "vm",
		OSType:            "linux",
		VSphereDatacenter: "dc-lab",
		VSphereCluster:    "cluster-a",
		VSphereNetwork:    "vlan-120",
		VSphereTemplate:   "ubuntu-22.04",
		VSphereDatastore:  "ds-01",
		VMNamePrefix:      "dev-web-01",
		VMInstanceType:    "medium",
		VMNumCPUs:         2,
		VMMemory:          4096,
		NetBoxPrefix:      "10.120.0.0/24",
		NetBoxTenant:      "platform",
	},
	{
		ActionType:        models.ActionCreate,
		Environment:       "UAT",
		Resource:          "vm",
		OSType:            "windows",
		VSphereDatacenter: "dc-lab",
		VSphereCluster:    "cluster-b",
		VSphereTemplate:   "win-2022",
		VSphereDatastore:  "ds-02",
		VMNamePrefix:      "uat-app-01",
		VMInstanceType:    "large",
		VMNumCPUs:         8,
		VMMemory:          16384,
		VMAdditionalDisks: []models.AdditionalDisk{{SizeGB: 200, Datastore: "ds-02"}},
	},
	{
		ActionType: models.ActionUpdate,
		OriginalConfig: &models.VMConfig{
			Environment: "DEV", VMNamePrefix: "dev-db-01", VMNumCPUs: 4, VMMemory: 8192, VMDiskSize: []int{100},
		},
		NewConfig: &models.VMConfig{
			Environment: "DEV", VMNamePrefix: "dev-db-01", VMNumCPUs: 8, VMMemory: 16384, VMDiskSize: []int{100, 200},
		},
	},
}

func main() {
	var (
		envFile string
		owner   string
	)

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Create sample draft requests",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(envFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
			return seed(cmd.Context(), cfg, owner, logger)
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Path to .env file")
	cmd.Flags().StringVar(&owner, "owner", "dev", "Username that owns the seeded drafts")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config, owner string, logger *logging.Logger) error {
	store, closeStore, err := repository.Open(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer closeStore()

	existing, err := store.ListRequests(ctx, repository.ListFilter{CreatedBy: owner})
	if err != nil {
		return fmt.Errorf("failed to list existing requests: %w", err)
	}

	seen := make(map[string]bool)
	for _, run := range existing {
		var req models.VMRequest
		if err := json.Unmarshal(run.RequestPayload, &req); err != nil {
			continue
		}
		seen[req.Name()] = true
	}

	for _, req := range seedRequests {
		if seen[req.Name()] {
			logger.Info("Skipping existing request", "name", req.Name())
			continue
		}

		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		id, err := store.CreateDraft(ctx, owner, payload)
		if err != nil {
			logger.Error("Failed to create draft", "name", req.Name(), "error", err)
			continue
		}
		logger.Info("Seeded draft", "name", req.Name(), "id", id, "owner", owner)
	}
	logger.Info("Seeding complete!")
	return nil
}
