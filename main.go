package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/taskvault/server/audit"
	"github.com/taskvault/server/config"
	"github.com/taskvault/server/feed"
	"github.com/taskvault/server/lifecycle"
	"github.com/taskvault/server/logger"
	"github.com/taskvault/server/mcp"
	"github.com/taskvault/server/task"
	"github.com/taskvault/server/watch"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string

	root := &cobra.Command{
		Use:           "taskvault",
		Short:         "File-backed task lifecycle engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringP("root", "r", "", "vault root directory")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	_ = v.BindPFlag("root", root.PersistentFlags().Lookup("root"))
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	load := func() (config.Config, error) {
		return config.Load(v, configFile)
	}

	root.AddCommand(
		runCmd(load),
		initCmd(v, &configFile),
		addCmd(load),
		verifyCmd(load),
		errorsCmd(load),
		mcpCmd(load),
	)
	return root
}

type loadFunc func() (config.Config, error)

func initLogging(cfg config.Config, out io.Writer) func() {
	return logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Format: cfg.Log.Format,
		Output: out,
	})
}

func runCmd(load loadFunc) *cobra.Command {
	var noFeed bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the vault and drive tasks through their lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer initLogging(cfg, os.Stdout)()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			observer := watch.NewObserver(a.vault, watch.ObserverOptions{ReconcileInterval: cfg.ReconcileInterval})
			orch := lifecycle.New(lifecycle.Deps{
				Vault:    a.vault,
				Tasks:    a.tasks,
				Plans:    a.plans,
				Audit:    a.audit,
				Errors:   a.errors,
				Observer: observer,
			}, lifecycle.Options{
				ApprovalPollInterval: cfg.ApprovalPollInterval,
				ShutdownTimeout:      cfg.ShutdownTimeout,
				StaleThreshold:       cfg.StaleThreshold,
				ReminderInterval:     cfg.ReminderInterval,
			})

			serveFeed := !noFeed && cfg.Feed.Addr != ""
			var (
				taskList *watch.TaskListWatcher
				events   *feed.EventWatcher
			)
			if serveFeed {
				// Subscribe before Start so no startup event is missed.
				taskList = watch.NewTaskListWatcher(a.tasks)
				events = feed.NewEventWatcher(orch)
				if err := taskList.Start(); err != nil {
					return err
				}
				events.Start()
				defer taskList.Stop()
				defer events.Stop()
			}

			if err := orch.Start(ctx); err != nil {
				return err
			}

			feedErr := make(chan error, 1)
			if serveFeed {
				token := cfg.Feed.Token
				if token == "" {
					token = uuid.NewString()
				}
				rpc := feed.NewRPCHandler(token, version, false, feed.Deps{
					Root:     a.vault.Root(),
					Status:   orch,
					Control:  orch,
					Tasks:    a.tasks,
					Plans:    a.plans,
					Errors:   a.errors,
					TaskList: taskList,
					Events:   events,
				})
				go func() { feedErr <- feed.Serve(ctx, cfg.Feed.Addr, feed.NewRouter(token, orch, rpc)) }()
				printBanner(os.Stdout, cfg.Feed.Addr, token)
			}

			select {
			case <-ctx.Done():
			case err := <-feedErr:
				if err != nil {
					slog.Error("feed stopped", "error", err)
				}
			}

			slog.Info("shutting down")
			graceful, err := orch.Stop(context.Background())
			if err != nil && !errors.Is(err, lifecycle.ErrNotRunning) {
				return err
			}
			if !graceful {
				return errors.New("shutdown timed out with tasks still in flight")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noFeed, "no-feed", false, "do not serve the status feed")
	return cmd
}

// printBanner shows where to connect the feed. On a terminal the URL is
// also rendered as a QR code.
func printBanner(w io.Writer, addr, token string) {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws", RawQuery: url.Values{"token": {token}}.Encode()}

	fmt.Fprintf(w, "feed: %s\n", u.String())
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		qrterminal.GenerateHalfBlock(u.String(), qrterminal.L, w)
	}
}

func initCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault directories (and a config file with --config)",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := v.GetString("root")
			if *configFile != "" {
				created, err := config.WriteDefault(*configFile, root)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *configFile)
				}
			}

			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			created, err := a.vault.Init()
			if err != nil {
				return err
			}
			for _, dir := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", dir)
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "vault already initialized")
			}
			return nil
		},
	}
}

func addCmd(load loadFunc) *cobra.Command {
	var title, priority string
	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Create a task in the intake area (content from args or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			content := strings.Join(args, " ")
			if content == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				content = string(data)
			}
			if _, err := a.vault.Init(); err != nil {
				return err
			}
			t, err := a.tasks.Create(cmd.Context(), content, task.SourceManual, task.CreateOptions{
				Title:    title,
				Priority: task.Priority(priority),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID, t.Priority, t.Path)
			if t.RequiresApproval {
				fmt.Fprintf(cmd.OutOrStdout(), "requires approval: %s\n", strings.Join(t.ApprovalReasons, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title (default: first line of content)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, high or urgent (default: from content)")
	return cmd
}

func verifyCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [date]",
		Short: "Verify audit log checksums and timestamp order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			var reports []audit.IntegrityReport
			if len(args) == 1 {
				r, err := a.audit.VerifyIntegrity(args[0])
				if err != nil {
					return err
				}
				reports = append(reports, r)
			} else {
				if reports, err = a.audit.VerifyAll(); err != nil {
					return err
				}
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Date", "Entries", "Valid", "Invalid"})
			bad := 0
			for _, r := range reports {
				tw.AppendRow(table.Row{r.Date, r.Total, r.Valid, len(r.Invalid)})
				bad += len(r.Invalid)
			}
			tw.Render()

			if bad == 0 {
				return nil
			}
			vt := table.NewWriter()
			vt.SetOutputMirror(cmd.OutOrStdout())
			vt.AppendHeader(table.Row{"Date", "Index", "Line", "Reason"})
			for _, r := range reports {
				for _, v := range r.Invalid {
					vt.AppendRow(table.Row{r.Date, v.Index, v.Line, v.Reason})
				}
			}
			vt.Render()
			return fmt.Errorf("%d invalid audit entries", bad)
		},
	}
}

func errorsCmd(load loadFunc) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List error reports (open ones by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			list := a.errors.ListOpen
			if all {
				list = a.errors.List
			}
			reports, err := list()
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Severity", "Type", "Task", "Status", "Details"})
			for _, r := range reports {
				tw.AppendRow(table.Row{shortID(r.ID), r.Severity, r.ErrorType, shortID(r.TaskID), r.ResolutionStatus, r.Details})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved reports")
	return cmd
}

func mcpCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve vault tools to an AI agent over stdio (MCP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			defer initLogging(cfg, os.Stderr)()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			srv := mcp.NewServer(a.tasks, a.plans, a.audit, a.errors, version)
			return srv.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
