package ntt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ntt-orchestrator/internal/logging"
)

// DeploymentFile is the descriptor ntt init writes into a project
const DeploymentFile = "deployment.json"

// ModeBurning is the manager mode used for every chain of a project
const ModeBurning = "burning"

// Project identifies one bridging project on disk
type Project struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// File returns the path of the project's deployment descriptor
func (p Project) File() string {
	return filepath.Join(p.Path, DeploymentFile)
}

// ProjectName is the directory name used for the project of a token
func ProjectName(network, tokenAddress string) string {
	return fmt.Sprintf("%s-%s", network, tokenAddress)
}

// AddChainOptions are the per-family arguments of ntt add-chain
type AddChainOptions struct {
	Token string
	// Solana only
	Payer      string
	ProgramKey string
}

// ClientConfig holds configuration for a Client
type ClientConfig struct {
	Runner     Runner
	Binary     string
	BasePath   string
	NetworkEnv string
	Logger     *logging.Logger
}

// Client runs ntt subcommands against projects under a base path
type Client struct {
	runner     Runner
	binary     string
	basePath   string
	networkEnv string
	logger     *logging.Logger
}

// NewClient creates an ntt client
func NewClient(cfg *ClientConfig) *Client {
	binary := cfg.Binary
	if binary == "" {
		binary = "ntt"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Client{
		runner:     cfg.Runner,
		binary:     binary,
		basePath:   cfg.BasePath,
		networkEnv: cfg.NetworkEnv,
		logger:     logger.WithField("component", "ntt"),
	}
}

// BasePath returns the directory projects are created in
func (c *Client) BasePath() string {
	return c.basePath
}

// InitEnv maps the configured environment to the ntt init argument
func (c *Client) InitEnv() string {
	if c.networkEnv == "Mainnet" {
		return "Mainnet"
	}
	return "Testnet"
}

// CreateProject runs ntt new for (network, tokenAddress) in the base path and
// initialises the project for the configured environment
func (c *Client) CreateProject(ctx context.Context, network, tokenAddress string) (*Project, error) {
	name := ProjectName(network, tokenAddress)
	project := &Project{Name: name, Path: filepath.Join(c.basePath, name)}

	if err := os.MkdirAll(c.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path %s: %w", c.basePath, err)
	}

	c.logger.WithField("project", name).Info("Creating project")
	if _, err := c.runner.Run(ctx, c.basePath, c.binary, "new", name); err != nil {
		return nil, fmt.Errorf("failed to create project %s: %w", name, err)
	}

	env := c.InitEnv()
	c.logger.WithFields(map[string]interface{}{
		"project": name,
		"env":     env,
	}).Info("Initialising project")
	if _, err := c.runner.Run(ctx, project.Path, c.binary, "init", env); err != nil {
		return nil, fmt.Errorf("failed to initialise project %s: %w", name, err)
	}

	return project, nil
}

// NewProject creates projectID under basePath without initialising it
func (c *Client) NewProject(ctx context.Context, basePath, projectID string) error {
	if err := os.MkdirAll(filepath.Join(basePath, projectID), 0o755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}
	if _, err := c.runner.Run(ctx, basePath, c.binary, "new", projectID); err != nil {
		return fmt.Errorf("failed to create project %s: %w", projectID, err)
	}
	return nil
}

// AddChain registers chain in the project
func (c *Client) AddChain(ctx context.Context, project *Project, chain string, opts AddChainOptions) error {
	args := []string{"add-chain", chain, "--latest", "--mode", ModeBurning, "--token", opts.Token}
	if opts.Payer != "" {
		args = append(args, "--payer", opts.Payer)
	}
	if opts.ProgramKey != "" {
		args = append(args, "--program-key", opts.ProgramKey)
	}

	c.logger.WithFields(map[string]interface{}{
		"project": project.Name,
		"chain":   chain,
		"token":   opts.Token,
	}).Info("Adding chain")
	if _, err := c.runner.Run(ctx, project.Path, c.binary, args...); err != nil {
		return fmt.Errorf("failed to add chain %s: %w", chain, err)
	}
	return nil
}

// Push deploys the local descriptor on chain
func (c *Client) Push(ctx context.Context, project *Project, payer string) error {
	args := []string{"push", "--yes"}
	if payer != "" {
		args = append(args, "--payer", payer)
	}

	c.logger.WithField("project", project.Name).Info("Pushing project")
	if _, err := c.runner.Run(ctx, project.Path, c.binary, args...); err != nil {
		return fmt.Errorf("failed to push project %s: %w", project.Name, err)
	}
	return nil
}
