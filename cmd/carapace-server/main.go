// Package main is Carapace's process entrypoint. Per §9 "one process
// has one token file, one Sandbox Manager, one Proxy, one Session
// Store", everything below is constructed once, in the strict order
// store → runtime → manager → proxy → orchestrator, and torn down in
// reverse.
//
// Grounded on go-opencode's cmd/opencode-server/main.go for the
// flag/signal/graceful-shutdown shape; the subsystem wiring itself is
// new, since go-opencode never had a sandbox manager, egress proxy, or
// operation gate to construct.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/carapace-run/carapace/internal/classifier"
	"github.com/carapace-run/carapace/internal/command"
	"github.com/carapace-run/carapace/internal/config"
	"github.com/carapace-run/carapace/internal/credential"
	"github.com/carapace-run/carapace/internal/event"
	"github.com/carapace-run/carapace/internal/gate"
	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/memory"
	"github.com/carapace-run/carapace/internal/metrics"
	"github.com/carapace-run/carapace/internal/orchestrator"
	"github.com/carapace-run/carapace/internal/provider"
	"github.com/carapace-run/carapace/internal/proxy"
	"github.com/carapace-run/carapace/internal/rules"
	"github.com/carapace-run/carapace/internal/runtime"
	"github.com/carapace-run/carapace/internal/sandbox"
	"github.com/carapace-run/carapace/internal/server"
	"github.com/carapace-run/carapace/internal/storage"
	"github.com/carapace-run/carapace/internal/toolhost"
)

const version = "0.1.0"

var (
	host        = flag.String("host", "0.0.0.0", "REST/channel listen host")
	port        = flag.Int("port", 8080, "REST/channel listen port")
	proxyHost   = flag.String("proxy-host", "0.0.0.0", "Egress proxy listen host")
	proxyPort   = flag.Int("proxy-port", 8443, "Egress proxy listen port")
	mockRuntime = flag.Bool("mock-runtime", false, "Use the in-memory mock container runtime instead of Docker")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("carapace-server %s\n", version)
		os.Exit(0)
	}

	logging.Init(logging.DefaultConfig())
	defer logging.Close()

	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("carapace-server: fatal")
	}
}

func run() error {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	if _, err := config.EnsureDataDir(paths); err != nil {
		return fmt.Errorf("seed data dir: %w", err)
	}

	token, err := ensureToken(paths.TokenPath())
	if err != nil {
		return fmt.Errorf("provision bearer token: %w", err)
	}

	cfg, err := config.Load(paths)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ruleConfigs, err := config.LoadRules(paths)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	ruleset := orchestrator.RulesFromConfig(ruleConfigs)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. Session Store.
	store := storage.New(paths.SessionsDir())

	// 2. Container Runtime.
	rt, err := newRuntime()
	if err != nil {
		return fmt.Errorf("init container runtime: %w", err)
	}

	m := metrics.New()
	bus := event.New()

	// 3. Sandbox Manager.
	sboxCfg := sandbox.Config{
		DataDir:            paths.HostDataDir(),
		BaseImage:          cfg.Sandbox.Image,
		NetworkName:        cfg.Sandbox.NetworkName,
		IdleTimeoutMinutes: cfg.Sandbox.IdleTimeoutMinutes,
		Bus:                bus,
	}
	sandbox.WithProxyPort(*proxyPort)
	sbox := sandbox.New(rt, m, sboxCfg)

	// 4. Egress Proxy.
	proxySrv := proxy.New(proxy.Config{
		Host:            *proxyHost,
		Port:            *proxyPort,
		LookupSession:   sbox.SessionByToken,
		IsAuthorized:    sbox.Domains.IsAuthorized,
		RequestApproval: sbox.Domains.RequestApproval,
		Metrics:         m,
	})

	providerReg, err := provider.InitializeProviders(ctx, cfg)
	if err != nil {
		logging.Warn().Err(err).Msg("carapace-server: some providers failed to initialize")
	}

	smallModel := cfg.SmallModel
	if smallModel == "" {
		smallModel = cfg.Model
	}
	cls := classifier.New(providerReg, smallModel)
	ruleEngine := rules.New(providerReg, smallModel)
	g := gate.New(cls, ruleEngine, m, bus)

	memStore, err := memory.New(paths.MemoryDir())
	if err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}
	credBroker := credential.NewMockBroker()

	tools := toolhost.NewRegistry()
	cmds := command.New(store, ruleset, paths.DataDir)

	// 5. Orchestrator — constructed last so its ApproveToolCall method
	// can be wired into every Gated tool below.
	orch := orchestrator.New(store, providerReg, cfg.Model, ruleset, g, tools, sbox, m, cmds, bus)

	registerTools(tools, g, orch, sbox, memStore, credBroker)

	restSrv := server.New(server.Config{Host: *host, Port: *port, Token: token}, store, orch, sbox, m)

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Info().Str("addr", fmt.Sprintf("%s:%d", *proxyHost, *proxyPort)).Msg("carapace-server: egress proxy listening")
		if err := proxySrv.ListenAndServe(ctx); err != nil {
			errCh <- fmt.Errorf("proxy: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sbox.RunIdleSweeper(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := restSrv.ListenAndServe(ctx); err != nil {
			errCh <- fmt.Errorf("rest: %w", err)
		}
	}()

	logging.Info().Str("token_path", paths.TokenPath()).Msg("carapace-server: ready")

	select {
	case <-ctx.Done():
		logging.Info().Msg("carapace-server: shutting down")
	case err := <-errCh:
		logging.Error().Err(err).Msg("carapace-server: subsystem error, shutting down")
		cancel()
	}

	wg.Wait()
	return nil
}

// ensureToken loads the bearer token from path, generating and
// persisting a new 32-hex-char one on first run (§6 "Bearer token
// auto-provisioning").
func ensureToken(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		return trimToken(data), nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", err
	}
	return token, nil
}

func trimToken(data []byte) string {
	n := len(data)
	for n > 0 && (data[n-1] == '\n' || data[n-1] == '\r' || data[n-1] == ' ') {
		n--
	}
	return string(data[:n])
}

// newRuntime picks Docker unless -mock-runtime is set or Docker
// initialization fails, in which case it falls back to the in-memory
// Mock backend so the server still runs in environments without a
// Docker socket.
func newRuntime() (runtime.Runtime, error) {
	if *mockRuntime {
		return runtime.NewMock(""), nil
	}
	rt, err := runtime.NewDocker()
	if err != nil {
		logging.Warn().Err(err).Msg("carapace-server: docker unavailable, falling back to mock runtime")
		return runtime.NewMock(""), nil
	}
	return rt, nil
}

// registerTools builds every tool named in §4.3/§5 and registers it
// behind the Gate with the Orchestrator's approval callback.
func registerTools(
	tools *toolhost.Registry,
	g *gate.Gate,
	orch *orchestrator.Orchestrator,
	sbox *sandbox.Manager,
	memStore *memory.Store,
	credBroker *credential.Broker,
) {
	register := func(t toolhost.Tool) { tools.Register(t, g, orch.ApproveToolCall) }

	register(toolhost.NewBashTool(sbox))
	register(toolhost.NewReadTool(sbox))
	register(toolhost.NewWriteTool(sbox))
	register(toolhost.NewEditTool(sbox))
	register(toolhost.NewGlobTool(sbox))
	register(toolhost.NewGrepTool(sbox))
	register(toolhost.NewListTool(sbox))
	register(toolhost.NewMemoryReadTool(memStore))
	register(toolhost.NewMemoryWriteTool(memStore))
	register(toolhost.NewCredentialAccessTool(credBroker))
	register(toolhost.NewSkillModifyTool(sbox))
}
