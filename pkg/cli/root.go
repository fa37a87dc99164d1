// Package cli implements the cartoflow command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cartoflow/cartoflow/pkg/api"
	"github.com/cartoflow/cartoflow/pkg/config"
	"github.com/cartoflow/cartoflow/pkg/fileops"
	"github.com/cartoflow/cartoflow/pkg/geostore"
	"github.com/cartoflow/cartoflow/pkg/log"
	"github.com/cartoflow/cartoflow/pkg/schedule"
	"github.com/cartoflow/cartoflow/pkg/script/engine"
	"github.com/cartoflow/cartoflow/pkg/script/ingest"
	"github.com/cartoflow/cartoflow/pkg/script/integrity"
	"github.com/cartoflow/cartoflow/pkg/script/params"
	"github.com/cartoflow/cartoflow/pkg/script/registry"
	"github.com/cartoflow/cartoflow/pkg/script/tracker"
	"github.com/cartoflow/cartoflow/pkg/validate"
)

// BuildInfo contains version information for the binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCmd creates the root cartoflow command.
func NewRootCmd(info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cartoflow",
		Short: "Geospatial script execution backend",
		Long: `cartoflow - run geoprocessing scripts against a layer store

COMMON COMMANDS
  serve      Start the API server
  run        Run a registered script once, locally
  scripts    List and register scripts
  status     Show a script's registration and last log

Use "cartoflow <command> --help" for details.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.SuggestionsMinimumDistance = 2
	cmd.PersistentFlags().StringP("config", "c", "", "Path to cartoflow.toml")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newScriptsCmd(),
		newStatusCmd(),
		newVersionCmd(info),
	)

	return cmd
}

// loadConfig resolves the configuration for a command: the --config flag,
// then ./cartoflow.toml, then built-in defaults rooted in the working
// directory.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		log.SetLevel(log.LevelVerbose)
	}

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat("cartoflow.toml"); err == nil {
		return config.Load("cartoflow.toml")
	}
	return config.Default("."), nil
}

// stack is the wired set of components every command works against.
type stack struct {
	cfg      *config.Config
	layers   *geostore.Store
	registry *registry.Registry
	tracker  *tracker.Tracker
	engine   *engine.Engine
}

func buildStack(cfg *config.Config) (*stack, error) {
	layers, err := geostore.Open(cfg.Paths.Data)
	if err != nil {
		return nil, fmt.Errorf("open layer store: %w", err)
	}

	reg, err := registry.Open(cfg.Paths.Scripts)
	if err != nil {
		layers.Close()
		return nil, fmt.Errorf("open script registry: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.Executions, 0755); err != nil {
		layers.Close()
		return nil, fmt.Errorf("create execution root: %w", err)
	}

	trk := tracker.New()
	return &stack{
		cfg:      cfg,
		layers:   layers,
		registry: reg,
		tracker:  trk,
		engine: &engine.Engine{
			Root:      cfg.Paths.Executions,
			Validator: integrity.New(cfg.Engine.Python),
			Resolver:  params.New(layers),
			Ingestor:  ingest.New(layers),
			Tracker:   trk,
			Timeout:   cfg.Engine.Timeout.Duration,
			Python:    cfg.Engine.Python,
		},
	}, nil
}

func (s *stack) close() {
	if err := s.layers.Close(); err != nil {
		log.Warn("closing layer store: %v", err)
	}
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cartoflow API server",
		Long: `Start the HTTP API server.

Scripts are registered and run over the API; scheduled scripts from the
configuration fire as long as the server is up. Execution logs older than
the retention window are compressed in place.

Examples:
  cartoflow serve                      # Listen on :8642
  cartoflow serve --addr :9090         # Custom port
  cartoflow serve -c /etc/cartoflow.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Listen = addr
			}

			st, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer st.close()

			server, err := api.NewServer(api.Config{
				Addr:          cfg.Server.Listen,
				Registry:      st.registry,
				Engine:        st.engine,
				Tracker:       st.tracker,
				AuthTokenHash: cfg.Server.AuthTokenHash,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Drop registrations live when program files disappear
			go func() {
				if err := st.registry.Watch(ctx); err != nil {
					log.Warn("script watcher stopped: %v", err)
				}
			}()

			sched := schedule.New(st.engine, st.registry, st.tracker)
			for _, sc := range cfg.Schedules {
				if err := sched.Add(sc.Script, sc.Cron, orderedFromForm(sc.Parameters)); err != nil {
					return err
				}
			}
			sched.Start()
			defer sched.Stop()

			go archiveLoop(ctx, cfg.Paths.Executions, cfg.Engine.LogRetention.Duration)

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-sig:
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer shutdownCancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

// archiveLoop compresses old execution logs once an hour.
func archiveLoop(ctx context.Context, root string, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.ArchiveLogs(root, retention); err != nil {
				log.Warn("log archival: %v", err)
			}
		}
	}
}

func newRunCmd() *cobra.Command {
	var paramFlags []string

	cmd := &cobra.Command{
		Use:   "run <script-id>",
		Short: "Run a registered script once",
		Long: `Run a registered script locally and print the result as JSON.

Parameter values that parse as JSON are passed typed; anything else is a
string. A value naming a stored layer is materialized into the execution's
inputs directory before the run.

Examples:
  cartoflow run buffer --param distance=100 --param layer=rivers`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer st.close()

			scriptID := args[0]
			if !st.registry.Exists(scriptID) {
				return fmt.Errorf("script %s is not registered", scriptID)
			}

			in := params.NewOrdered()
			for _, p := range paramFlags {
				key, value, found := strings.Cut(p, "=")
				if !found {
					return fmt.Errorf("malformed --param %q, want key=value", p)
				}
				in.Set(key, decodeFormValue(value))
			}

			executionID := uuid.NewString()
			if err := st.tracker.TryAdmit(scriptID, executionID); err != nil {
				return err
			}

			result, err := st.engine.Execute(cmd.Context(), st.registry.ProgramPath(scriptID), scriptID, executionID, in)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if result.Status != engine.StatusSuccess {
				return fmt.Errorf("execution %s: %s", executionID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "Script parameter as key=value (repeatable)")
	return cmd
}

func newScriptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "Manage registered scripts",
	}
	cmd.AddCommand(newScriptsListCmd(), newScriptsRegisterCmd())
	return cmd
}

func newScriptsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer st.close()

			ids := st.registry.List()
			if len(ids) == 0 {
				log.Info("no scripts registered")
				return nil
			}
			for _, id := range ids {
				def, err := st.registry.Definition(id)
				if err != nil {
					continue
				}
				fmt.Printf("%-24s %s\n", id, def.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newScriptsRegisterCmd() *cobra.Command {
	var metaFlags []string

	cmd := &cobra.Command{
		Use:   "register <script-id> <program.py>",
		Short: "Validate and register a script",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer st.close()

			scriptID, program := args[0], args[1]
			if err := validate.Identifier(scriptID); err != nil {
				return err
			}
			if err := validate.ProgramPath(program); err != nil {
				return err
			}

			// Reject before touching the registry
			if err := st.engine.Validator.Validate(cmd.Context(), program); err != nil {
				return err
			}

			dest := st.registry.ProgramPath(scriptID)
			os.Remove(dest)
			if err := fileops.Copy(program, dest); err != nil {
				return err
			}

			metadata := make(map[string]string, len(metaFlags))
			for _, m := range metaFlags {
				key, value, found := strings.Cut(m, "=")
				if !found {
					return fmt.Errorf("malformed --meta %q, want key=value", m)
				}
				metadata[key] = value
			}
			if err := st.registry.Register(scriptID, metadata); err != nil {
				return err
			}

			log.OK("script %s registered", scriptID)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&metaFlags, "meta", nil, "Metadata as key=value (repeatable)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <script-id>",
		Short: "Show a script's registration and most recent log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one script id")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer st.close()

			scriptID := args[0]
			def, err := st.registry.Definition(scriptID)
			if err != nil {
				return err
			}

			fmt.Printf("script:      %s\n", def.Identity)
			fmt.Printf("fingerprint: %s\n", def.Fingerprint)
			fmt.Printf("updated:     %s\n", def.UpdatedAt.Format(time.RFC3339))

			logPath, ok := latestLog(cfg.Paths.Executions, scriptID)
			if !ok {
				fmt.Println("log:         none")
				return nil
			}
			text, err := engine.ReadLog(logPath)
			if err != nil {
				return err
			}
			fmt.Printf("log:         %s\n\n%s", logPath, text)
			return nil
		},
	}
}

// latestLog finds the newest execution log for a script, archived or not.
func latestLog(root, scriptID string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(root, "*", "log_"+scriptID+".txt*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}

	sort.Slice(matches, func(i, j int) bool {
		a, _ := os.Stat(matches[i])
		b, _ := os.Stat(matches[j])
		if a == nil || b == nil {
			return false
		}
		return a.ModTime().After(b.ModTime())
	})

	return strings.TrimSuffix(matches[0], ".lz4"), true
}

func newVersionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cartoflow %s (%s, built %s)\n", info.Version, info.Commit, info.Date)
		},
	}
}

// decodeFormValue decodes a raw flag/form value: JSON when it parses,
// string otherwise. Matches the registry's metadata handling.
func decodeFormValue(raw string) any {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded
	}
	return raw
}

// orderedFromForm builds a parameter map from config-file values, sorted by
// key so scheduled runs see a stable order.
func orderedFromForm(form map[string]string) *params.Ordered {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	o := params.NewOrdered()
	for _, k := range keys {
		o.Set(k, decodeFormValue(form[k]))
	}
	return o
}
