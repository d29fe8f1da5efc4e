// Command loom is the headless driver binary (spec.md §6): it wires
// config, the session store, the tool registry, and the agent loop
// together behind a cobra CLI surface, grounded on the teacher's
// cmd/symb/main.go wiring shape but without the bubbletea TUI (out of
// scope — see DESIGN.md).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/loomcli/loom/internal/agentloop"
	"github.com/loomcli/loom/internal/approval"
	"github.com/loomcli/loom/internal/config"
	"github.com/loomcli/loom/internal/contextmgr"
	"github.com/loomcli/loom/internal/delta"
	"github.com/loomcli/loom/internal/executor"
	"github.com/loomcli/loom/internal/message"
	mcp "github.com/loomcli/loom/internal/mcpclient"
	"github.com/loomcli/loom/internal/modelstream"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/shell"
	"github.com/loomcli/loom/internal/store"
	"github.com/loomcli/loom/internal/tools"
	"github.com/loomcli/loom/internal/toolctx"
)

// Exit codes, per spec.md §6.
const (
	exitSuccess     = 0
	exitGeneric     = 1
	exitInvalidArgs = 2
	exitAuthFailure = 64
	exitQuota       = 65
	exitCancelled   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to set up logging: %v\n", err)
	}

	var (
		flagSession    string
		flagList       bool
		flagContinue   bool
		flagAgent      string
		flagConfigPath string
		flagPrompt     string
	)

	exitCode := exitSuccess
	root := &cobra.Command{
		Use:           "loom",
		Short:         "A headless coding agent loop",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runSession(cmd.Context(), sessionOptions{
				session:         flagSession,
				list:            flagList,
				continueSession: flagContinue,
				agent:           flagAgent,
				configPath:      flagConfigPath,
				prompt:          flagPrompt,
			})
			exitCode = code
			return err
		},
	}
	root.Flags().StringVarP(&flagSession, "session", "s", "", "resume a session by ID")
	root.Flags().BoolVarP(&flagList, "list", "l", false, "list sessions")
	root.Flags().BoolVarP(&flagContinue, "continue", "c", false, "continue the most recent session")
	root.Flags().StringVarP(&flagAgent, "agent", "a", "", "named agent configuration to use")
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to config.toml (defaults to the data dir)")
	root.Flags().StringVarP(&flagPrompt, "prompt", "p", "", "prompt text (reads stdin if omitted)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if exitCode == exitSuccess {
			exitCode = exitGeneric
		}
	}
	return exitCode
}

type sessionOptions struct {
	session         string
	list            bool
	continueSession bool
	agent           string
	configPath      string
	prompt          string
}

func runSession(ctx context.Context, opts sessionOptions) (int, error) {
	configPath := opts.configPath
	if configPath == "" {
		configPath = resolveDefaultConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitInvalidArgs, err
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return exitGeneric, fmt.Errorf("data dir: %w", err)
	}
	sessStore, err := store.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return exitGeneric, fmt.Errorf("open session store: %w", err)
	}
	defer sessStore.Close()

	if opts.list {
		return listSessions(sessStore)
	}

	providerName := cfg.DefaultProvider
	providerCfg, ok := cfg.Providers[providerName]
	if !ok {
		return exitInvalidArgs, fmt.Errorf("default_provider %q not found", providerName)
	}
	backend := modelstream.NewAnthropicBackend(providerCfg.Model)
	defer backend.Close()

	agentCfg, err := cfg.ResolveAgent(opts.agent)
	if err != nil {
		return exitInvalidArgs, err
	}

	sessionID, conv := resolveSession(opts, sessStore)

	cwd, err := os.Getwd()
	if err != nil {
		return exitGeneric, fmt.Errorf("getwd: %w", err)
	}

	dt := delta.New(sessStore.DB())
	dt.SetSession(sessionID)
	dt.BeginTurn(time.Now().UnixNano())

	sh := shell.New(cwd, shell.DefaultBlockFuncs())
	tc := toolctx.New(cwd, dt, sh, cfg.ThinkingEnabled(opts.agent))

	reg := registry.New()
	exec := executor.New(reg, nil, executor.DefaultParallelism)
	approvalCh := approval.New(4)
	ctxMgr := contextmgr.New(resolveHooks(cfg, opts.agent), runHookViaShell(sh))

	if err := tools.Register(reg, tools.Deps{
		Backend:      backend,
		Executor:     exec,
		ContextMgr:   ctxMgr,
		ParentAgent:  agentCfg,
		AgentConfigs: resolveNamedAgents(cfg),
		MaxDepth:     2,
	}); err != nil {
		return exitGeneric, fmt.Errorf("register tools: %w", err)
	}

	if cfg.MCP.Upstream != "" {
		if err := connectUpstreamMCP(ctx, reg, cfg.MCP.Upstream); err != nil {
			log.Warn().Err(err).Msg("failed to connect to upstream mcp server, continuing without its tools")
		}
	}

	events := make(chan agentloop.HostEvent, 64)
	loop := agentloop.New(agentloop.Config{
		Backend:         backend,
		Registry:        reg,
		Executor:        exec,
		ApprovalChannel: approvalCh,
		ContextMgr:      ctxMgr,
		Agent:           agentCfg,
		Scratchpad:      tc.Scratchpad,
		AgentCtx:        tc,
	}, conv, events)

	prompt := opts.prompt
	if prompt == "" {
		prompt, err = readStdinPrompt()
		if err != nil {
			return exitInvalidArgs, err
		}
	}

	done := make(chan struct{})
	var turnErr error
	go func() {
		defer close(done)
		_, turnErr = loop.SubmitPrompt(ctx, prompt, nil)
	}()

	code := drainEvents(events, approvalCh)
	<-done

	if err := sessStore.SaveDocument(sessionID, conv.ToDocument(agentCfg.Name, map[string]string{"session": sessionID})); err != nil {
		log.Warn().Err(err).Msg("failed to persist session document")
	}

	if turnErr != nil {
		return exitGeneric, turnErr
	}
	if code != exitSuccess {
		return code, nil
	}
	return exitSuccess, nil
}

// drainEvents prints the host-facing event stream to stdout/stderr and
// auto-allows approval requests from a non-interactive terminal,
// returning a process exit code derived from any TurnFailed/TurnCancelled
// event it observes.
func drainEvents(events <-chan agentloop.HostEvent, approvalCh *approval.Channel) int {
	code := exitSuccess
	for ev := range events {
		switch ev.Type {
		case agentloop.HostAssistantTextDelta:
			fmt.Print(ev.Text)
		case agentloop.HostToolCallBegin:
			fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", ev.ToolName, ev.InputSummary)
		case agentloop.HostToolCallEnd:
			if ev.Status == message.StatusError {
				fmt.Fprintf(os.Stderr, "[tool error] %s\n", ev.TruncatedOutput)
			}
		case agentloop.HostApprovalRequest:
			select {
			case approvalCh.Results <- approval.Result{ToolUseID: ev.Approval.ToolUseID, Decision: approval.OptionAllow}:
			default:
			}
		case agentloop.HostTurnFailed:
			fmt.Fprintf(os.Stderr, "\nturn failed: %s\n", ev.Message)
			code = exitCodeForErrorKind(ev.ErrorKind)
		case agentloop.HostTurnCancelled:
			code = exitCancelled
		}
	}
	fmt.Println()
	return code
}

// resolveHooks translates the named agent's config.toml hook commands
// into the trigger map contextmgr.New expects.
func resolveHooks(cfg *config.Config, agentName string) map[contextmgr.HookTrigger][]string {
	entry, ok := cfg.Agents[agentName]
	if !ok || len(entry.Hooks) == 0 {
		return nil
	}
	out := make(map[contextmgr.HookTrigger][]string, len(entry.Hooks))
	for trigger, command := range entry.Hooks {
		out[contextmgr.HookTrigger(trigger)] = append(out[contextmgr.HookTrigger(trigger)], command)
	}
	return out
}

// runHookViaShell implements contextmgr.HookRunner over the same
// sandboxed shell shell_exec uses, so hooks honor the same command
// denylist rather than running unrestricted via os/exec.
func runHookViaShell(sh *shell.Shell) contextmgr.HookRunner {
	return func(ctx context.Context, command string) (string, error) {
		stdout, stderr, err := sh.Exec(ctx, command)
		if err != nil {
			return stdout + stderr, err
		}
		return stdout, nil
	}
}

// resolveNamedAgents turns every [agents.NAME] table in config.toml into
// an agentloop.AgentConfig the delegate tool can hand off to by name.
func resolveNamedAgents(cfg *config.Config) map[string]agentloop.AgentConfig {
	out := make(map[string]agentloop.AgentConfig, len(cfg.Agents))
	for name := range cfg.Agents {
		agentCfg, err := cfg.ResolveAgent(name)
		if err != nil {
			log.Warn().Err(err).Str("agent", name).Msg("failed to resolve named agent, skipping")
			continue
		}
		out[name] = agentCfg
	}
	return out
}

// connectUpstreamMCP launches the configured MCP server and registers its
// tools under the "@mcp/tool" namespace.
func connectUpstreamMCP(ctx context.Context, reg *registry.Registry, upstream string) error {
	command, args := mcp.ParseUpstreamCommand(upstream)
	if command == "" {
		return fmt.Errorf("mcp.upstream is set but empty after parsing")
	}
	client, err := mcp.NewClient(ctx, command, args...)
	if err != nil {
		return fmt.Errorf("start mcp upstream: %w", err)
	}
	return mcp.RegisterUpstream(ctx, reg, "mcp", client)
}

func exitCodeForErrorKind(kind string) int {
	switch modelstream.ErrorKind(kind) {
	case modelstream.ErrAuth:
		return exitAuthFailure
	case modelstream.ErrQuota:
		return exitQuota
	default:
		return exitGeneric
	}
}

func resolveDefaultConfigPath() string {
	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	return configPath
}

func resolveSession(opts sessionOptions, st *store.Store) (string, *message.Conversation) {
	switch {
	case opts.session != "":
		if ok, err := st.SessionExists(opts.session); err != nil || !ok {
			fmt.Printf("Session %q not found, starting fresh\n", opts.session)
			st.CreateSession(opts.session)
			return opts.session, message.New()
		}
		return opts.session, loadConversation(opts.session, st)

	case opts.continueSession:
		id, err := st.LatestSessionID()
		if err != nil {
			sid := uuid.NewString()
			st.CreateSession(sid)
			return sid, message.New()
		}
		return id, loadConversation(id, st)

	default:
		sid := uuid.NewString()
		st.CreateSession(sid)
		return sid, message.New()
	}
}

func loadConversation(sessionID string, st *store.Store) *message.Conversation {
	doc, err := st.LoadDocument(sessionID)
	if err != nil {
		return message.New()
	}
	conv, err := message.FromDocument(doc)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("failed to replay stored conversation, starting fresh")
		return message.New()
	}
	return conv
}

func listSessions(st *store.Store) (int, error) {
	summaries, err := st.ListSessions()
	if err != nil {
		return exitGeneric, err
	}
	if len(summaries) == 0 {
		fmt.Println("No sessions found")
		return exitSuccess, nil
	}
	for _, s := range summaries {
		preview := strings.ReplaceAll(s.Preview, "\n", " ")
		if len(preview) > 60 {
			preview = preview[:60]
		}
		fmt.Printf("%s  %s  %s\n", s.ID, s.UpdatedAt.Format("2006-01-02 15:04"), preview)
	}
	return exitSuccess, nil
}

func readStdinPrompt() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if (stat.Mode() & os.ModeCharDevice) != 0 {
		return "", fmt.Errorf("no prompt given: pass --prompt or pipe text on stdin")
	}
	var b strings.Builder
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()), scanner.Err()
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}
	logFile := filepath.Join(logDir, "loom.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}
