// Package pipeline provisions a bridging project for a detected token:
// it creates the project, registers the origin chain, provisions every
// target chain by family and rewrites the transfer limits.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ntt-orchestrator/internal/adapter"
	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/metrics"
	"github.com/ntt-orchestrator/internal/ntt"
	"github.com/ntt-orchestrator/internal/task"
	"github.com/ntt-orchestrator/internal/types"
)

// ProjectTool is the ntt CLI as used by the pipeline
type ProjectTool interface {
	CreateProject(ctx context.Context, network, tokenAddress string) (*ntt.Project, error)
	AddChain(ctx context.Context, project *ntt.Project, chain string, opts ntt.AddChainOptions) error
	Push(ctx context.Context, project *ntt.Project, payer string) error
}

// SolanaTool is the Solana key and token tooling
type SolanaTool interface {
	GenerateKeypair(ctx context.Context, dir string) (*ntt.Keypair, error)
	TokenAuthority(ctx context.Context, dir, programID string) (string, error)
	CreateMint(ctx context.Context, dir string, decimals int, payer string) (string, error)
	AuthorizeMint(ctx context.Context, dir, mint, authority string) error
}

// PeerTokenDeployer deploys peer tokens on EVM chains
type PeerTokenDeployer interface {
	DeployPeerToken(ctx context.Context, chainID string, req adapter.PeerTokenRequest) (*adapter.PeerToken, error)
}

// Options tune the pipeline
type Options struct {
	SolanaPayer     string
	SolanaDecimals  int
	PushAfterLimits bool
	// NotifyFrontend chains a notify-frontend task once limits are written
	NotifyFrontend bool
}

// EventProcessor runs the process-events state machine
type EventProcessor struct {
	projects ProjectTool
	solana   SolanaTool
	evm      PeerTokenDeployer
	starter  task.Starter
	opts     Options
	logger   *logging.Logger
}

// Dependencies holds the collaborators of an EventProcessor
type Dependencies struct {
	Projects ProjectTool
	Solana   SolanaTool
	EVM      PeerTokenDeployer
	// Starter submits follow-up tasks; nil disables chaining
	Starter task.Starter
	Options Options
	Logger  *logging.Logger
}

// NewEventProcessor creates an event processor
func NewEventProcessor(deps *Dependencies) *EventProcessor {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	opts := deps.Options
	if opts.SolanaDecimals == 0 {
		opts.SolanaDecimals = 9
	}
	return &EventProcessor{
		projects: deps.Projects,
		solana:   deps.Solana,
		evm:      deps.EVM,
		starter:  deps.Starter,
		opts:     opts,
		logger:   logger.WithField("component", "pipeline"),
	}
}

// ChainResult records how one chain was provisioned
type ChainResult struct {
	ChainID      string            `json:"chainId"`
	Chain        string            `json:"chain,omitempty"`
	Family       types.ChainFamily `json:"family"`
	TokenAddress string            `json:"tokenAddress,omitempty"`
	TxHash       string            `json:"txHash,omitempty"`
	ProgramKey   string            `json:"programKey,omitempty"`
	Skipped      bool              `json:"skipped,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// Result is the summary stored as the call result
type Result struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	Project      *ntt.Project  `json:"project"`
	ProjectFile  string        `json:"projectFile"`
	OriginChain  string        `json:"originChain"`
	Chains       []ChainResult `json:"chains"`
	Pushed       bool          `json:"pushed,omitempty"`
	NotifyCallID string        `json:"notifyCallId,omitempty"`
}

// NotifyParams are the params of the notify-frontend task
type NotifyParams struct {
	ProjectFilePath string `json:"projectFilePath"`
	Network         string `json:"network"`
	TokenAddress    string `json:"tokenAddress"`
}

// Checkpoint keys
const (
	stepProject = "project"
	stepOrigin  = "origin"
	stepPushed  = "pushed"
	stepNotify  = "notify"
)

func chainStep(chainID, part string) string {
	if part == "" {
		return "chain:" + chainID
	}
	return "chain:" + chainID + ":" + part
}

// ValidateEvent checks the fields the pipeline cannot run without
func ValidateEvent(ev *types.TokenCreatedEvent) error {
	if ev == nil {
		return apperrors.NewValidationError("event", "missing")
	}
	if strings.TrimSpace(ev.Network) == "" {
		return apperrors.NewValidationError("network", "required")
	}
	if strings.TrimSpace(ev.TokenAddress) == "" {
		return apperrors.NewValidationError("tokenAddress", "required")
	}
	if len(ev.ChainIDs) == 0 {
		return apperrors.NewValidationError("chainIds", "at least one target chain is required")
	}
	return nil
}

// Process provisions the project of ev. Steps already recorded in the call's
// checkpoint are skipped, so a retried attempt continues where the failed
// one stopped. Already registered chains are never rolled back.
func (p *EventProcessor) Process(ctx context.Context, ev *types.TokenCreatedEvent) (*Result, error) {
	if err := ValidateEvent(ev); err != nil {
		return nil, err
	}

	cp := task.CheckpointFrom(ctx)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"network":      ev.Network,
		"tokenAddress": ev.TokenAddress,
	})

	// Created
	project, err := p.createProject(ctx, cp, ev)
	if err != nil {
		return nil, err
	}

	// OriginChainRegistered
	originName, err := ChainName(ev.Network)
	if err != nil {
		return nil, fmt.Errorf("origin network %s: %w", ev.Network, err)
	}
	if err := p.once(ctx, cp, stepOrigin, func() error {
		return p.projects.AddChain(ctx, project, originName, ntt.AddChainOptions{Token: ev.TokenAddress})
	}); err != nil {
		return nil, fmt.Errorf("chain %s: add origin chain: %w", ev.Network, err)
	}
	logger.WithField("chain", originName).Info("Origin chain registered")

	// PerTargetChainLoop, strictly sequential over the shared project file
	results := make([]ChainResult, 0, len(ev.ChainIDs))
	for _, chainID := range ev.ChainIDs {
		if chainID == ev.Network {
			results = append(results, ChainResult{ChainID: chainID, Chain: originName, Skipped: true, Message: "origin chain"})
			continue
		}

		var done ChainResult
		found, err := cp.Load(ctx, chainStep(chainID, ""), &done)
		if err != nil {
			return nil, err
		}
		if found {
			results = append(results, done)
			continue
		}

		res, err := p.provisionChain(ctx, cp, project, ev, chainID)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chainID, err)
		}
		if err := cp.Save(ctx, chainStep(chainID, ""), res); err != nil {
			return nil, err
		}
		metrics.ChainsProvisioned.WithLabelValues(string(res.Family)).Inc()
		logger.WithFields(map[string]interface{}{
			"chainId": chainID,
			"family":  string(res.Family),
		}).Info("Target chain provisioned")
		results = append(results, *res)
	}

	// LimitsUpdated
	if err := RewriteLimits(project.File()); err != nil {
		return nil, fmt.Errorf("update limits: %w", err)
	}
	logger.Info("Limits updated")

	result := &Result{
		Success:     true,
		Project:     project,
		ProjectFile: project.File(),
		OriginChain: originName,
		Chains:      results,
	}

	if p.opts.PushAfterLimits {
		if err := p.once(ctx, cp, stepPushed, func() error {
			return p.projects.Push(ctx, project, p.opts.SolanaPayer)
		}); err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		result.Pushed = true
	}

	if p.opts.NotifyFrontend && p.starter != nil {
		callID, err := p.chainNotify(ctx, cp, project, ev)
		if err != nil {
			return nil, fmt.Errorf("notify frontend: %w", err)
		}
		result.NotifyCallID = callID
	}

	result.Message = fmt.Sprintf("Event processed successfully: %d chains provisioned for %s", len(results), project.Name)
	return result, nil
}

func (p *EventProcessor) createProject(ctx context.Context, cp task.Checkpoint, ev *types.TokenCreatedEvent) (*ntt.Project, error) {
	var project ntt.Project
	found, err := cp.Load(ctx, stepProject, &project)
	if err != nil {
		return nil, err
	}
	if found {
		return &project, nil
	}

	created, err := p.projects.CreateProject(ctx, ev.Network, ev.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	if err := cp.Save(ctx, stepProject, created); err != nil {
		return nil, err
	}
	return created, nil
}

// once runs fn unless key is already checkpointed, and checkpoints it on success
func (p *EventProcessor) once(ctx context.Context, cp task.Checkpoint, key string, fn func() error) error {
	var done bool
	found, err := cp.Load(ctx, key, &done)
	if err != nil {
		return err
	}
	if found && done {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	return cp.Save(ctx, key, true)
}

func (p *EventProcessor) provisionChain(ctx context.Context, cp task.Checkpoint, project *ntt.Project, ev *types.TokenCreatedEvent, chainID string) (*ChainResult, error) {
	family, err := Classify(chainID)
	if err != nil {
		return nil, err
	}

	switch family {
	case types.FamilyEVM:
		return p.provisionEVM(ctx, cp, project, ev, chainID)
	case types.FamilySolana:
		return p.provisionSolana(ctx, cp, project, chainID)
	case types.FamilySui:
		return p.provisionSui(ctx, ev, chainID), nil
	default:
		return nil, apperrors.NewValidationError("chainId", "unsupported chain family for "+chainID)
	}
}

func (p *EventProcessor) provisionEVM(ctx context.Context, cp task.Checkpoint, project *ntt.Project, ev *types.TokenCreatedEvent, chainID string) (*ChainResult, error) {
	name, err := ChainName(chainID)
	if err != nil {
		return nil, err
	}

	var peer adapter.PeerToken
	found, err := cp.Load(ctx, chainStep(chainID, "token"), &peer)
	if err != nil {
		return nil, err
	}
	if !found {
		deployed, err := p.evm.DeployPeerToken(ctx, chainID, adapter.PeerTokenRequest{
			Name:   ev.Name,
			Symbol: ev.Symbol,
			Minter: ev.Minter,
		})
		if err != nil {
			return nil, fmt.Errorf("deploy peer token: %w", err)
		}
		peer = *deployed
		if err := cp.Save(ctx, chainStep(chainID, "token"), peer); err != nil {
			return nil, err
		}
	}

	if err := p.projects.AddChain(ctx, project, name, ntt.AddChainOptions{Token: peer.Address}); err != nil {
		return nil, fmt.Errorf("add chain: %w", err)
	}

	return &ChainResult{
		ChainID:      chainID,
		Chain:        name,
		Family:       types.FamilyEVM,
		TokenAddress: peer.Address,
		TxHash:       peer.TxHash,
	}, nil
}

func (p *EventProcessor) provisionSolana(ctx context.Context, cp task.Checkpoint, project *ntt.Project, chainID string) (*ChainResult, error) {
	if p.opts.SolanaPayer == "" {
		return nil, apperrors.NewConfigurationError("SOLANA_PAYER_PATH", "not set")
	}
	name, err := ChainName(chainID)
	if err != nil {
		return nil, err
	}

	var kp ntt.Keypair
	found, err := cp.Load(ctx, chainStep(chainID, "keypair"), &kp)
	if err != nil {
		return nil, err
	}
	if !found {
		generated, err := p.solana.GenerateKeypair(ctx, project.Path)
		if err != nil {
			return nil, fmt.Errorf("generate program key: %w", err)
		}
		kp = *generated
		if err := cp.Save(ctx, chainStep(chainID, "keypair"), kp); err != nil {
			return nil, err
		}
	}

	authority, err := p.solana.TokenAuthority(ctx, project.Path, kp.Address)
	if err != nil {
		return nil, fmt.Errorf("derive token authority: %w", err)
	}

	var mint string
	found, err = cp.Load(ctx, chainStep(chainID, "mint"), &mint)
	if err != nil {
		return nil, err
	}
	if !found {
		mint, err = p.solana.CreateMint(ctx, project.Path, p.opts.SolanaDecimals, p.opts.SolanaPayer)
		if err != nil {
			return nil, fmt.Errorf("create mint: %w", err)
		}
		if err := cp.Save(ctx, chainStep(chainID, "mint"), mint); err != nil {
			return nil, err
		}
	}

	if err := p.once(ctx, cp, chainStep(chainID, "authority"), func() error {
		return p.solana.AuthorizeMint(ctx, project.Path, mint, authority)
	}); err != nil {
		return nil, fmt.Errorf("set mint authority: %w", err)
	}

	if err := p.projects.AddChain(ctx, project, name, ntt.AddChainOptions{
		Token:      mint,
		Payer:      p.opts.SolanaPayer,
		ProgramKey: kp.Path,
	}); err != nil {
		return nil, fmt.Errorf("add chain: %w", err)
	}

	return &ChainResult{
		ChainID:      chainID,
		Chain:        name,
		Family:       types.FamilySolana,
		TokenAddress: mint,
		ProgramKey:   kp.Address,
	}, nil
}

// provisionSui only records the request; Sui provisioning is not available yet
func (p *EventProcessor) provisionSui(ctx context.Context, ev *types.TokenCreatedEvent, chainID string) *ChainResult {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chainId":      chainID,
		"tokenAddress": ev.TokenAddress,
	}).Warn("Sui provisioning not implemented, echoing request")

	name, _ := ChainName(chainID)
	return &ChainResult{
		ChainID:      chainID,
		Chain:        name,
		Family:       types.FamilySui,
		TokenAddress: ev.TokenAddress,
		Message:      "Sui event processed successfully",
	}
}

func (p *EventProcessor) chainNotify(ctx context.Context, cp task.Checkpoint, project *ntt.Project, ev *types.TokenCreatedEvent) (string, error) {
	var callID string
	found, err := cp.Load(ctx, stepNotify, &callID)
	if err != nil {
		return "", err
	}
	if found {
		return callID, nil
	}

	callID, err = p.starter.StartTask(ctx, string(task.NotifyFrontend), NotifyParams{
		ProjectFilePath: project.File(),
		Network:         ev.Network,
		TokenAddress:    ev.TokenAddress,
	})
	if err != nil {
		return "", err
	}
	if err := cp.Save(ctx, stepNotify, callID); err != nil {
		return "", err
	}
	return callID, nil
}

// RewriteLimits rereads the descriptor at path, applies the flat limits and
// writes it back in place
func RewriteLimits(path string) error {
	d, err := ntt.ReadDeployment(path)
	if err != nil {
		return err
	}
	return ntt.WriteDeployment(path, ntt.UpdateLimits(d))
}
