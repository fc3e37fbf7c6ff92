package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntt-orchestrator/internal/adapter"
	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/ntt"
	"github.com/ntt-orchestrator/internal/task"
	"github.com/ntt-orchestrator/internal/types"
)

// fakeProjects keeps a real deployment file so the limit rewrite has
// something to work on
type fakeProjects struct {
	base      string
	created   int
	addChains []addChainCall
	pushes    int
	addErr    map[string]error
}

type addChainCall struct {
	Chain string
	Opts  ntt.AddChainOptions
}

func (f *fakeProjects) CreateProject(ctx context.Context, network, token string) (*ntt.Project, error) {
	f.created++
	name := ntt.ProjectName(network, token)
	project := &ntt.Project{Name: name, Path: filepath.Join(f.base, name)}
	if err := os.MkdirAll(project.Path, 0o755); err != nil {
		return nil, err
	}
	return project, ntt.WriteDeployment(project.File(), &ntt.Deployment{Network: "Testnet", Chains: map[string]*ntt.ChainData{}})
}

func (f *fakeProjects) AddChain(ctx context.Context, project *ntt.Project, chain string, opts ntt.AddChainOptions) error {
	if err := f.addErr[chain]; err != nil {
		return err
	}
	f.addChains = append(f.addChains, addChainCall{Chain: chain, Opts: opts})
	d, err := ntt.ReadDeployment(project.File())
	if err != nil {
		return err
	}
	d.Chains[chain] = &ntt.ChainData{Mode: ntt.ModeBurning, Token: opts.Token, Manager: "manager-" + chain}
	return ntt.WriteDeployment(project.File(), d)
}

func (f *fakeProjects) Push(ctx context.Context, project *ntt.Project, payer string) error {
	f.pushes++
	return nil
}

func (f *fakeProjects) chainNames() []string {
	names := make([]string, 0, len(f.addChains))
	for _, c := range f.addChains {
		names = append(names, c.Chain)
	}
	return names
}

type fakeSolana struct {
	keypairs   int
	mints      int
	authorized []string
}

func (f *fakeSolana) GenerateKeypair(ctx context.Context, dir string) (*ntt.Keypair, error) {
	f.keypairs++
	return &ntt.Keypair{Address: "nttKey111", Path: filepath.Join(dir, "nttKey111.json")}, nil
}

func (f *fakeSolana) TokenAuthority(ctx context.Context, dir, programID string) (string, error) {
	return "authority-of-" + programID, nil
}

func (f *fakeSolana) CreateMint(ctx context.Context, dir string, decimals int, payer string) (string, error) {
	f.mints++
	return "Mint111", nil
}

func (f *fakeSolana) AuthorizeMint(ctx context.Context, dir, mint, authority string) error {
	f.authorized = append(f.authorized, mint+"->"+authority)
	return nil
}

type fakeDeployer struct {
	calls []string
	fail  map[string]int
}

func (f *fakeDeployer) DeployPeerToken(ctx context.Context, chainID string, req adapter.PeerTokenRequest) (*adapter.PeerToken, error) {
	if f.fail[chainID] > 0 {
		f.fail[chainID]--
		return nil, apperrors.NewChainError(chainID, "send transaction", errors.New("nonce too low"))
	}
	f.calls = append(f.calls, chainID)
	return &adapter.PeerToken{Address: "0xpeer" + chainID, TxHash: "0xtx" + chainID}, nil
}

type fakeStarter struct {
	started []NotifyParams
}

func (f *fakeStarter) StartTask(ctx context.Context, name string, params interface{}) (string, error) {
	if name != string(task.NotifyFrontend) {
		return "", fmt.Errorf("unexpected task %s", name)
	}
	f.started = append(f.started, params.(NotifyParams))
	return fmt.Sprintf("call-%d", len(f.started)), nil
}

type memCheckpoint struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func newMemCheckpoint() *memCheckpoint {
	return &memCheckpoint{entries: make(map[string]json.RawMessage)}
}

func (m *memCheckpoint) Load(ctx context.Context, key string, v interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m *memCheckpoint) Save(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = raw
	m.mu.Unlock()
	return nil
}

type harness struct {
	projects *fakeProjects
	solana   *fakeSolana
	evm      *fakeDeployer
	starter  *fakeStarter
	proc     *EventProcessor
}

func newHarness(t *testing.T, opts Options) *harness {
	h := &harness{
		projects: &fakeProjects{base: t.TempDir(), addErr: map[string]error{}},
		solana:   &fakeSolana{},
		evm:      &fakeDeployer{fail: map[string]int{}},
		starter:  &fakeStarter{},
	}
	h.proc = NewEventProcessor(&Dependencies{
		Projects: h.projects,
		Solana:   h.solana,
		EVM:      h.evm,
		Starter:  h.starter,
		Options:  opts,
		Logger:   logging.NewNop(),
	})
	return h
}

func baseEvent(chainIDs ...string) *types.TokenCreatedEvent {
	return &types.TokenCreatedEvent{
		Network:      "84532",
		TokenAddress: "0xToken",
		Name:         "Pump",
		Symbol:       "PMP",
		Minter:       "0xMinter",
		ChainIDs:     types.ChainIDList(chainIDs),
	}
}

func TestProcess_EVMTarget(t *testing.T) {
	h := newHarness(t, Options{NotifyFrontend: true})

	result, err := h.proc.Process(context.Background(), baseEvent("421614"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "BaseSepolia", result.OriginChain)
	assert.Equal(t, []string{"BaseSepolia", "ArbitrumSepolia"}, h.projects.chainNames())
	assert.Equal(t, "0xToken", h.projects.addChains[0].Opts.Token)
	assert.Equal(t, "0xpeer421614", h.projects.addChains[1].Opts.Token)
	assert.Equal(t, []string{"421614"}, h.evm.calls)

	require.Len(t, result.Chains, 1)
	assert.Equal(t, types.FamilyEVM, result.Chains[0].Family)
	assert.Equal(t, "0xtx421614", result.Chains[0].TxHash)

	d, err := ntt.ReadDeployment(result.ProjectFile)
	require.NoError(t, err)
	assert.Equal(t, ntt.EVMOutboundLimit, d.Chains["BaseSepolia"].Limits.Outbound)
	assert.Equal(t, ntt.EVMInboundLimit, d.Chains["BaseSepolia"].Limits.Inbound["ArbitrumSepolia"])
	assert.Equal(t, ntt.EVMInboundLimit, d.Chains["ArbitrumSepolia"].Limits.Inbound["BaseSepolia"])
	assert.NotContains(t, d.Chains["BaseSepolia"].Limits.Inbound, "BaseSepolia")

	require.Len(t, h.starter.started, 1)
	assert.Equal(t, NotifyParams{ProjectFilePath: result.ProjectFile, Network: "84532", TokenAddress: "0xToken"}, h.starter.started[0])
	assert.Equal(t, "call-1", result.NotifyCallID)
	assert.Zero(t, h.projects.pushes)
}

func TestProcess_UnknownChainFailsAfterOrigin(t *testing.T) {
	h := newHarness(t, Options{NotifyFrontend: true})

	_, err := h.proc.Process(context.Background(), baseEvent("421614", "999"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "999")
	assert.True(t, apperrors.IsValidation(err))

	// chains before the unknown one stay registered, limits are untouched
	assert.Equal(t, []string{"BaseSepolia", "ArbitrumSepolia"}, h.projects.chainNames())
	d, err := ntt.ReadDeployment(filepath.Join(h.projects.base, "84532-0xToken", ntt.DeploymentFile))
	require.NoError(t, err)
	assert.Empty(t, d.Chains["BaseSepolia"].Limits.Outbound)
	assert.Empty(t, h.starter.started)
}

func TestProcess_UnknownOrigin(t *testing.T) {
	h := newHarness(t, Options{})
	ev := baseEvent("421614")
	ev.Network = "424242"

	_, err := h.proc.Process(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "424242")
	assert.Empty(t, h.projects.addChains)
}

func TestProcess_ResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, Options{})
	h.evm.fail["11155111"] = 1
	cp := newMemCheckpoint()
	ctx := task.WithCheckpoint(context.Background(), cp)

	_, err := h.proc.Process(ctx, baseEvent("421614", "11155111"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain 11155111")
	assert.True(t, apperrors.IsRetryable(err))

	result, err := h.proc.Process(ctx, baseEvent("421614", "11155111"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Equal(t, 1, h.projects.created)
	assert.Equal(t, []string{"BaseSepolia", "ArbitrumSepolia", "Sepolia"}, h.projects.chainNames())
	assert.Equal(t, []string{"421614", "11155111"}, h.evm.calls)
	require.Len(t, result.Chains, 2)
	assert.Equal(t, "0xpeer421614", result.Chains[0].TokenAddress)
}

func TestProcess_ResumeReusesDeployedPeerToken(t *testing.T) {
	h := newHarness(t, Options{})
	h.projects.addErr["ArbitrumSepolia"] = errors.New("ntt add-chain failed")
	cp := newMemCheckpoint()
	ctx := task.WithCheckpoint(context.Background(), cp)

	_, err := h.proc.Process(ctx, baseEvent("421614"))
	require.Error(t, err)

	delete(h.projects.addErr, "ArbitrumSepolia")
	_, err = h.proc.Process(ctx, baseEvent("421614"))
	require.NoError(t, err)

	assert.Equal(t, []string{"421614"}, h.evm.calls)
}

func TestProcess_SolanaTarget(t *testing.T) {
	h := newHarness(t, Options{SolanaPayer: "/keys/payer.json", PushAfterLimits: true})

	result, err := h.proc.Process(context.Background(), baseEvent("solana-testnet"))
	require.NoError(t, err)

	require.Len(t, h.projects.addChains, 2)
	solana := h.projects.addChains[1]
	assert.Equal(t, "Solana", solana.Chain)
	assert.Equal(t, "Mint111", solana.Opts.Token)
	assert.Equal(t, "/keys/payer.json", solana.Opts.Payer)
	assert.Equal(t, filepath.Join(result.Project.Path, "nttKey111.json"), solana.Opts.ProgramKey)
	assert.Equal(t, []string{"Mint111->authority-of-nttKey111"}, h.solana.authorized)

	d, err := ntt.ReadDeployment(result.ProjectFile)
	require.NoError(t, err)
	assert.Equal(t, ntt.SolanaOutboundLimit, d.Chains["Solana"].Limits.Outbound)
	assert.Equal(t, ntt.SolanaInboundLimit, d.Chains["Solana"].Limits.Inbound["BaseSepolia"])

	assert.True(t, result.Pushed)
	assert.Equal(t, 1, h.projects.pushes)
}

func TestProcess_SolanaRequiresPayer(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.proc.Process(context.Background(), baseEvent("901"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOLANA_PAYER_PATH")
	assert.False(t, apperrors.IsRetryable(err))
	assert.Zero(t, h.solana.keypairs)
}

func TestProcess_SuiEchoes(t *testing.T) {
	h := newHarness(t, Options{})

	result, err := h.proc.Process(context.Background(), baseEvent("sui-testnet"))
	require.NoError(t, err)

	require.Len(t, result.Chains, 1)
	assert.Equal(t, types.FamilySui, result.Chains[0].Family)
	assert.Equal(t, "0xToken", result.Chains[0].TokenAddress)
	assert.Equal(t, []string{"BaseSepolia"}, h.projects.chainNames())
}

func TestProcess_SkipsOriginInTargets(t *testing.T) {
	h := newHarness(t, Options{})

	result, err := h.proc.Process(context.Background(), baseEvent("84532", "421614"))
	require.NoError(t, err)
	assert.True(t, result.Chains[0].Skipped)
	assert.Equal(t, []string{"BaseSepolia", "ArbitrumSepolia"}, h.projects.chainNames())
}

func TestProcess_Validation(t *testing.T) {
	h := newHarness(t, Options{})

	tests := []struct {
		name  string
		event *types.TokenCreatedEvent
		field string
	}{
		{"nil", nil, "event"},
		{"no network", &types.TokenCreatedEvent{TokenAddress: "0x1", ChainIDs: types.ChainIDList{"1"}}, "network"},
		{"no token", &types.TokenCreatedEvent{Network: "1", ChainIDs: types.ChainIDList{"10"}}, "tokenAddress"},
		{"no chains", &types.TokenCreatedEvent{Network: "1", TokenAddress: "0x1"}, "chainIds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.proc.Process(context.Background(), tt.event)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
	assert.Zero(t, h.projects.created)
}
