package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/notify"
	"github.com/ntt-orchestrator/internal/ntt"
	"github.com/ntt-orchestrator/internal/task"
	"github.com/ntt-orchestrator/internal/types"
)

// ProjectInitializer creates a bare project directory
type ProjectInitializer interface {
	NewProject(ctx context.Context, basePath, projectID string) error
}

// Notifier posts a finished project to the frontend
type Notifier interface {
	Notify(ctx context.Context, req *notify.Request) error
}

// CreateProjectParams are the params of the create-project task
type CreateProjectParams struct {
	BasePath  string `json:"basePath"`
	ProjectID string `json:"projectId"`
}

// GenerateKeyParams are the params of the generate-solana-key task
type GenerateKeyParams struct {
	Cwd string `json:"cwd"`
}

// TaskDependencies wires the pipeline tasks
type TaskDependencies struct {
	Processor   *EventProcessor
	Initializer ProjectInitializer
	Solana      SolanaTool
	Notifier    Notifier
	Logger      *logging.Logger
}

// Register adds process-events, create-project, generate-solana-key and
// notify-frontend to registry
func Register(registry *task.Registry, deps *TaskDependencies) {
	registry.
		Register(task.ProcessEvents, task.Typed(func(ctx context.Context, ev types.TokenCreatedEvent) (interface{}, error) {
			return deps.Processor.Process(ctx, &ev)
		})).
		Register(task.CreateProject, task.Typed(func(ctx context.Context, p CreateProjectParams) (interface{}, error) {
			return createProject(ctx, deps.Initializer, p)
		})).
		Register(task.GenerateSolanaKey, task.Typed(func(ctx context.Context, p GenerateKeyParams) (interface{}, error) {
			return generateSolanaKey(ctx, deps.Solana, p)
		})).
		Register(task.NotifyFrontend, task.Typed(func(ctx context.Context, p NotifyParams) (interface{}, error) {
			if err := NotifyProject(ctx, deps.Notifier, p); err != nil {
				return nil, err
			}
			return map[string]interface{}{"success": true, "network": p.Network, "tokenAddress": p.TokenAddress}, nil
		}))
}

func createProject(ctx context.Context, init ProjectInitializer, p CreateProjectParams) (interface{}, error) {
	if p.BasePath == "" {
		return nil, apperrors.NewValidationError("basePath", "required")
	}
	if p.ProjectID == "" {
		return nil, apperrors.NewValidationError("projectId", "required")
	}
	if err := init.NewProject(ctx, p.BasePath, p.ProjectID); err != nil {
		return nil, fmt.Errorf("create project %s: %w", p.ProjectID, err)
	}
	return map[string]interface{}{
		"success": true,
		"path":    filepath.Join(p.BasePath, p.ProjectID),
	}, nil
}

// generateSolanaKey returns the key name, which is the file name without .json
func generateSolanaKey(ctx context.Context, tool SolanaTool, p GenerateKeyParams) (interface{}, error) {
	if p.Cwd == "" {
		return nil, apperrors.NewValidationError("cwd", "required")
	}
	kp, err := tool.GenerateKeypair(ctx, p.Cwd)
	if err != nil {
		return nil, err
	}
	return strings.TrimSuffix(filepath.Base(kp.Path), ".json"), nil
}

// NotifyProject reads the project file and posts it to the frontend
func NotifyProject(ctx context.Context, n Notifier, p NotifyParams) error {
	if p.ProjectFilePath == "" {
		return apperrors.NewValidationError("projectFilePath", "required")
	}
	if p.Network == "" {
		return apperrors.NewValidationError("network", "required")
	}
	if p.TokenAddress == "" {
		return apperrors.NewValidationError("tokenAddress", "required")
	}

	raw, err := os.ReadFile(p.ProjectFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NewNotFoundError("project file", p.ProjectFilePath)
		}
		return fmt.Errorf("failed to read project file: %w", err)
	}
	if !json.Valid(raw) {
		return apperrors.NewValidationError("projectFilePath", "project file is not valid JSON")
	}

	return n.Notify(ctx, &notify.Request{
		ProjectData:  json.RawMessage(raw),
		Network:      p.Network,
		TokenAddress: p.TokenAddress,
	})
}

// MinterSetter grants mint rights on an EVM token
type MinterSetter interface {
	SetMinter(ctx context.Context, chainID, token, minter string) (string, error)
}

// MinterUpdate is the outcome for one chain of SetMinters
type MinterUpdate struct {
	Chain   string `json:"chain"`
	ChainID string `json:"chainId"`
	Token   string `json:"token"`
	Manager string `json:"manager"`
	TxHash  string `json:"txHash"`
}

// SetMinters makes each EVM chain's NTT manager the minter of its token.
// Chains without a manager or token, and non-EVM chains, are skipped.
func SetMinters(ctx context.Context, setter MinterSetter, d *ntt.Deployment) ([]MinterUpdate, error) {
	logger := logging.FromContext(ctx)
	var updates []MinterUpdate
	for _, name := range d.ChainNames() {
		chain := d.Chains[name]
		chainID, ok := EVMChainID(name)
		if !ok {
			logger.WithField("chain", name).Debug("Skipping non-EVM chain")
			continue
		}
		if chain.Manager == "" || chain.Token == "" {
			logger.WithField("chain", name).Warn("Chain has no manager or token, skipping")
			continue
		}

		txHash, err := setter.SetMinter(ctx, chainID, chain.Token, chain.Manager)
		if err != nil {
			return updates, fmt.Errorf("chain %s: set minter: %w", name, err)
		}
		updates = append(updates, MinterUpdate{
			Chain:   name,
			ChainID: chainID,
			Token:   chain.Token,
			Manager: chain.Manager,
			TxHash:  txHash,
		})
	}
	return updates, nil
}
