package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/quillworks/quill/agent"
	"github.com/quillworks/quill/agent/acp"
	"github.com/quillworks/quill/agent/terminal"
	"github.com/quillworks/quill/capability"
	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/llm"
	"github.com/quillworks/quill/session"
	"github.com/quillworks/quill/tools"
)

func main() {
	providerFlag := flag.String("p", "", "Provider name from the configuration (defaults to the configured one)")
	resumeFlag := flag.String("r", "", "Resume a session by ID")
	modeFlag := flag.String("m", "", "Session mode: 'default', 'plan' or 'auto-approve'")
	listFlag := flag.Bool("list-sessions", false, "List stored sessions and exit")
	acpFlag := flag.Bool("acp", false, "Serve the Agent Client Protocol over stdio")
	traceFlag := flag.Bool("trace", false, "Trace ACP traffic to .quill/trace.log")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	sessionDir := cfg.SessionDir
	if sessionDir == "" {
		sessionDir = session.DefaultDir
	}
	store, err := session.NewStore(sessionDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session store: %+v\n", err)
		os.Exit(1)
	}

	if *listFlag {
		listSessions(store)
		return
	}

	provider, err := cfg.GetProvider(*providerFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	adapter, err := llm.NewAdapter(ctx, llm.ModelConfig{
		Dialect:   provider.Dialect,
		Model:     provider.Model,
		APIBase:   provider.APIBase,
		APIKeyEnv: provider.APIKeyEnv,
		Streaming: provider.StreamingEnabled(),
		MaxTokens: provider.MaxTokens,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing %s adapter: %+v\n", provider.Dialect, err)
		os.Exit(1)
	}

	registry := tools.NewRegistry(cfg)
	clients := connectCapabilityServers(ctx, cfg, registry)
	defer func() {
		for _, client := range clients {
			client.Close()
		}
	}()

	if *acpFlag {
		executor := tools.NewExecutor(registry, cfg.Permissions, nil)
		in := bufio.NewReader(os.Stdin)
		out := bufio.NewWriter(os.Stdout)
		err := acp.Run(ctx, acp.Options{
			Store:       store,
			Model:       provider.Model,
			DefaultMode: cfg.DefaultMode,
			NewAgent: func(sess *session.Session, callbacks agent.Callbacks) *agent.Agent {
				return agent.New(cfg, adapter, executor, store, sess, callbacks)
			},
			Trace: *traceFlag,
		}, in, out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ACP server failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	sess, err := openSession(store, cfg, provider.Model, *resumeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}

	term := terminal.New()
	callbacks := term.Callbacks()
	executor := tools.NewExecutor(registry, cfg.Permissions, callbacks.Approver)
	a := agent.New(cfg, adapter, executor, store, sess, callbacks)
	term.Attach(a)

	if *modeFlag != "" && *modeFlag != string(a.Mode()) {
		if err := a.SetMode(agent.Mode(*modeFlag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("quill ready (model %s, mode %s, session %s)\n", provider.Model, a.Mode(), sess.ID)
	initialPrompt := strings.Join(flag.Args(), " ")
	if err := term.Run(ctx, initialPrompt); err != nil {
		fmt.Fprintf(os.Stderr, "quill stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

// openSession resumes an existing session or creates a new one.
func openSession(store *session.Store, cfg *config.Config, model, resumeID string) (*session.Session, error) {
	if resumeID == "" {
		sess := session.New(model, cfg.DefaultMode)
		cwd, _ := os.Getwd()
		if err := store.Create(sess, cwd); err != nil {
			return nil, err
		}
		fmt.Printf("Starting new session: %s\n", sess.ID)
		return sess, nil
	}

	sess, warnings, err := store.LoadSession(resumeID)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", warning)
	}
	fmt.Printf("Resuming session: %s (%d turns)\n", sess.ID, len(sess.Turns))
	return sess, nil
}

// connectCapabilityServers connects every configured server and registers
// its tools. A server that fails to connect is reported and skipped; the
// built-ins keep working.
func connectCapabilityServers(ctx context.Context, cfg *config.Config, registry *tools.Registry) []*capability.Client {
	var clients []*capability.Client
	for _, serverCfg := range cfg.CapabilityServers {
		client, err := capability.Connect(ctx, serverCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: capability server '%s' unavailable: %v\n", serverCfg.Name, err)
			continue
		}
		serverTools, err := client.Tools(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not list tools from '%s': %v\n", serverCfg.Name, err)
			client.Close()
			continue
		}
		for _, tool := range serverTools {
			if err := registry.RegisterExternal(tool); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
		clients = append(clients, client)
	}
	return clients
}

func listSessions(store *session.Store) {
	metas, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %+v\n", err)
		os.Exit(1)
	}
	if len(metas) == 0 {
		fmt.Println("No stored sessions.")
		return
	}
	for _, meta := range metas {
		fmt.Printf("%s  %s  %s  %s\n", meta.ID, meta.CreatedAt.Format("2006-01-02 15:04"), meta.Model, meta.CWD)
	}
}
