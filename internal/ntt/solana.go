package ntt

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
)

var (
	keypairPathPattern = regexp.MustCompile(`Wrote keypair to (.*\.json)`)
	base58Pattern      = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]{32,44}`)
	createTokenPattern = regexp.MustCompile(`Creating token ([1-9A-HJ-NP-Za-km-z]{32,44})`)
)

// Keypair is a program keypair written by solana-keygen grind
type Keypair struct {
	// Address is the public key, which grind also uses as the file name
	Address string `json:"address"`
	Path    string `json:"path"`
}

// SolanaConfig holds configuration for SolanaTools
type SolanaConfig struct {
	Runner         Runner
	NTTBinary      string
	KeygenBinary   string
	SPLTokenBinary string
	Logger         *logging.Logger
}

// SolanaTools wraps the Solana key and token tooling
type SolanaTools struct {
	runner   Runner
	ntt      string
	keygen   string
	splToken string
	logger   *logging.Logger
}

// NewSolanaTools creates the Solana tool wrapper
func NewSolanaTools(cfg *SolanaConfig) *SolanaTools {
	tools := &SolanaTools{
		runner:   cfg.Runner,
		ntt:      cfg.NTTBinary,
		keygen:   cfg.KeygenBinary,
		splToken: cfg.SPLTokenBinary,
		logger:   cfg.Logger,
	}
	if tools.ntt == "" {
		tools.ntt = "ntt"
	}
	if tools.keygen == "" {
		tools.keygen = "solana-keygen"
	}
	if tools.splToken == "" {
		tools.splToken = "spl-token"
	}
	if tools.logger == nil {
		tools.logger = logging.GetGlobalLogger()
	}
	tools.logger = tools.logger.WithField("component", "solana")
	return tools
}

// GenerateKeypair grinds a program keypair whose address starts with "ntt"
// and writes it into dir
func (s *SolanaTools) GenerateKeypair(ctx context.Context, dir string) (*Keypair, error) {
	out, err := s.runner.Run(ctx, dir, s.keygen, "grind", "--starts-with", "ntt:1", "--ignore-case")
	if err != nil {
		return nil, fmt.Errorf("failed to generate program keypair: %w", err)
	}

	kp, err := ParseKeypairOutput(out)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(kp.Path) {
		kp.Path = filepath.Join(dir, kp.Path)
	}

	s.logger.WithField("address", kp.Address).Info("Generated program keypair")
	return kp, nil
}

// TokenAuthority derives the token authority PDA of an NTT program
func (s *SolanaTools) TokenAuthority(ctx context.Context, dir, programID string) (string, error) {
	out, err := s.runner.Run(ctx, dir, s.ntt, "solana", "token-authority", programID)
	if err != nil {
		return "", fmt.Errorf("failed to derive token authority: %w", err)
	}

	authority := base58Pattern.FindString(out)
	if authority == "" {
		return "", parseError("ntt solana token-authority", out, "no base58 address in output")
	}
	return authority, nil
}

// CreateMint creates an SPL token mint and returns its address
func (s *SolanaTools) CreateMint(ctx context.Context, dir string, decimals int, payer string) (string, error) {
	args := []string{"create-token", "--decimals", strconv.Itoa(decimals)}
	if payer != "" {
		args = append(args, "--fee-payer", payer)
	}

	out, err := s.runner.Run(ctx, dir, s.splToken, args...)
	if err != nil {
		return "", fmt.Errorf("failed to create token mint: %w", err)
	}

	if m := createTokenPattern.FindStringSubmatch(out); len(m) == 2 {
		return m[1], nil
	}
	if mint := base58Pattern.FindString(out); mint != "" {
		return mint, nil
	}
	return "", parseError("spl-token create-token", out, "no mint address in output")
}

// AuthorizeMint hands the mint authority of mint to authority
func (s *SolanaTools) AuthorizeMint(ctx context.Context, dir, mint, authority string) error {
	if _, err := s.runner.Run(ctx, dir, s.splToken, "authorize", mint, "mint", authority); err != nil {
		return fmt.Errorf("failed to set mint authority of %s: %w", mint, err)
	}
	return nil
}

// ParseKeypairOutput extracts the key file written by solana-keygen grind
func ParseKeypairOutput(out string) (*Keypair, error) {
	m := keypairPathPattern.FindStringSubmatch(out)
	if len(m) != 2 {
		return nil, parseError("solana-keygen grind", out, "key not found in output")
	}

	path := strings.TrimSpace(m[1])
	return &Keypair{
		Address: strings.TrimSuffix(filepath.Base(path), ".json"),
		Path:    path,
	}, nil
}

func parseError(command, out, reason string) error {
	return apperrors.NewExternalToolError(command, 0, out, "", fmt.Errorf("%s", reason))
}
