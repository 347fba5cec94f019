package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/quorralabs/warden/internal/agent"
	"github.com/quorralabs/warden/internal/config"
	"github.com/quorralabs/warden/internal/mediator"
	"github.com/quorralabs/warden/internal/store"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - mediated AI coding assistant",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run a chat session in single message or REPL mode",
	RunE:  runChat,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <session-id> <token>",
	Short: "Close a session",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionsClose,
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List or resolve pending confirmations",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending confirmations",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending confirmation",
	Args:  cobra.ExactArgs(1),
	RunE:  makeResolveCmd(true),
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a pending confirmation",
	Args:  cobra.ExactArgs(1),
	RunE:  makeResolveCmd(false),
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the security policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active security policy",
	RunE:  runPolicyShow,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent mediation decisions",
	RunE:  runAudit,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the warden version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var (
	messageFlag string
	ownerFlag   string
	auditTail   int
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVar(&ownerFlag, "owner", "cli", "Owner id for the session quota")
	auditCmd.Flags().IntVarP(&auditTail, "tail", "n", 20, "Number of recent decisions to show")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsCloseCmd)
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsDenyCmd)
	policyCmd.AddCommand(policyShowCmd)
	rootCmd.AddCommand(chatCmd, sessionsCmd, approvalsCmd, policyCmd, auditCmd, onboardCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	AgentOptions agent.Options
	Stdin        io.Reader
	Stdout       io.Writer
	Stderr       io.Writer
	Interactive  bool
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{Interactive: true})
}

// promptNotifier shows pending confirmations as interactive prompts
// and feeds the answer back to the mediator.
type promptNotifier struct {
	resolver interface {
		ResolveConfirmation(requestID string, approved bool) error
	}
}

func (n *promptNotifier) NotifyPending(p mediator.PendingConfirmation) error {
	go func() {
		var approved bool
		title := fmt.Sprintf("Allow %s on %s?", p.Request.Kind, p.Request.Target())
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(p.Reason).
				Affirmative("Allow").
				Negative("Deny").
				Value(&approved),
		))
		if err := form.Run(); err != nil {
			approved = false
		}
		if err := n.resolver.ResolveConfirmation(p.RequestID, approved); err != nil {
			log.Printf("[cli] resolve %s: %v", p.RequestID, err)
		}
	}()
	return nil
}

// runChatWithOptions runs chat with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	agentOpts := opts.AgentOptions
	var prompter *promptNotifier
	if agentOpts.Notifier == nil && opts.Interactive && !cfg.Notify.Telegram.Enabled {
		prompter = &promptNotifier{}
		agentOpts.Notifier = prompter
	}

	ag, err := agent.NewWithOptions(cfg, agentOpts)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	defer ag.Shutdown()
	if prompter != nil {
		prompter.resolver = ag.Mediator()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ag.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	sessionID, token, err := ag.CreateSession(ownerFlag)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		if err := ag.CloseSession(sessionID, token); err != nil {
			fmt.Fprintf(stderr, "close session: %v\n", err)
		}
	}()

	// Single message mode
	if messageFlag != "" {
		reply, err := ag.HandleTurn(ctx, sessionID, token, messageFlag)
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		if reply != "" {
			fmt.Fprintln(stdout, reply)
		}
		return nil
	}

	// REPL mode
	fmt.Fprintf(stdout, "warden chat, session %s (type 'exit' to quit)\n", sessionID)
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := ag.HandleTurn(ctx, sessionID, token, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		if reply != "" {
			fmt.Fprintln(stdout, reply)
		}
	}
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ag, err := newAgent()
	if err != nil {
		return err
	}
	defer ag.Shutdown()

	sessions := ag.Sessions().List()
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  owner=%s  state=%s  events=%d  last=%s\n",
			s.ID, s.OwnerID, s.State, len(s.Events),
			s.LastAccessAt.Format(time.RFC3339))
	}
	return nil
}

func runSessionsClose(cmd *cobra.Command, args []string) error {
	ag, err := newAgent()
	if err != nil {
		return err
	}
	defer ag.Shutdown()

	if err := ag.CloseSession(args[0], args[1]); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	fmt.Printf("closed %s\n", args[0])
	return nil
}

// openApprovalStore connects to the approval table a running chat
// process mirrors its pending confirmations into.
func openApprovalStore() (*store.Store, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("approvals need store.enabled: true; without it confirmations are resolved in the chat prompt or via telegram")
	}
	st, err := store.New(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func makeResolveCmd(approved bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		st, err := openApprovalStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ResolveApproval(args[0], approved); err != nil {
			return fmt.Errorf("resolve %s: %w", args[0], err)
		}
		verdict := "approved"
		if !approved {
			verdict = "denied"
		}
		fmt.Printf("%s %s\n", verdict, args[0])
		return nil
	}
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	st, err := openApprovalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	pending, err := st.ListPendingApprovals()
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending confirmations")
		return nil
	}
	for _, a := range pending {
		fmt.Printf("%s  %s  %s\n    %s\n",
			a.RequestID, a.Kind, a.Target, a.Reason)
	}
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	ag, err := newAgent()
	if err != nil {
		return err
	}
	defer ag.Shutdown()

	pol := ag.Policy()
	fmt.Printf("Workspace root: %s\n", pol.WorkspaceRoot)
	fmt.Printf("Auto-approve edits: %v\n", pol.AutoApproveEdits)
	fmt.Printf("Auto-approve commands: %v\n", pol.AutoApproveCommands)
	fmt.Println("Allowlist prefixes:")
	for _, p := range pol.AllowlistPrefixes {
		fmt.Printf("  %s\n", p)
	}
	fmt.Println("Dangerous patterns:")
	for _, p := range pol.DangerousPatterns {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	ag, err := newAgent()
	if err != nil {
		return err
	}
	defer ag.Shutdown()

	records, err := ag.Auditor().Tail(auditTail)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("no decisions recorded")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s  %s  %s  %s  %s\n",
			r.Timestamp.Format(time.RFC3339), r.Outcome, r.Kind, r.Target, r.Reason)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(defaultConfigYAML), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Agent.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	fmt.Printf("Workspace ready: %s\n", cfg.Agent.Workspace)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to adjust the security policy\n", cfgPath)
	fmt.Println("  2. Run 'warden chat -m \"/read README.md\"' to test")

	return nil
}

func newAgent() (*agent.Agent, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	ag, err := agent.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return ag, nil
}

const defaultConfigYAML = `agent:
  workspace: ""        # defaults to ~/.warden/workspace

security:
  autoApproveEdits: false
  autoApproveCommands: false
  # allowlistPrefixes and dangerousPatterns extend the built-in sets
  allowlistPrefixes: []
  dangerousPatterns: []

session:
  timeout: 30m
  maxSessionsPerUser: 4
  maxEventsPerSession: 1000
  maxSessionBytes: 4194304
  cleanupInterval: 60s

store:
  # enable to persist sessions and to resolve approvals from a second
  # terminal with 'warden approvals'
  enabled: false

notify:
  telegram:
    enabled: false
    token: ""
    chatId: 0
    allowFrom: []
`
