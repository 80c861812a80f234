package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/report-backup/internal/app"
	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/config"
	"github.com/rowjay/report-backup/internal/httpapi"
	"github.com/rowjay/report-backup/internal/logging"
	"github.com/rowjay/report-backup/internal/notify"
	"github.com/rowjay/report-backup/internal/storage"
	"github.com/rowjay/report-backup/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Root       string
	MaxBackups int
	JSON       bool
}

// errBackupFailed makes the process exit non-zero after a failed record was printed.
var errBackupFailed = errors.New("backup failed")

func main() {
	root := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "rbu",
		Short:         "Backup and retention for report service data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&root.Root, "root", "", "Backup root directory")
	rootCmd.PersistentFlags().IntVar(&root.MaxBackups, "max-backups", -1, "Completed backups to keep (0 keeps all)")
	rootCmd.PersistentFlags().BoolVar(&root.JSON, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newCreateCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newListCmd(root))
	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newDownloadCmd(root))
	rootCmd.AddCommand(newDeleteCmd(root))
	rootCmd.AddCommand(newRestoreCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errBackupFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newCreateCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create [type]",
		Short: "Run one backup now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := backup.KindManual
			if len(args) == 1 {
				parsed, err := backup.ParseKind(args[0])
				if err != nil {
					return err
				}
				kind = parsed
			}
			return withManager(cmd.Context(), root, false, func(ctx context.Context, m *app.Manager, _ *config.Config) error {
				rec, err := m.CreateBackup(ctx, kind)
				if err != nil {
					return err
				}
				if err := printRecord(cmd.OutOrStdout(), root.JSON, rec); err != nil {
					return err
				}
				if rec.Status == backup.StatusFailed {
					fmt.Fprintf(cmd.ErrOrStderr(), "backup %d failed: %s\n", rec.ID, rec.ErrorMessage)
					return errBackupFailed
				}
				return nil
			})
		},
	}
}

func newStatusCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the backup history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), root, true, func(_ context.Context, m *app.Manager, cfg *config.Config) error {
				st, err := m.Status()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if root.JSON {
					return writeJSON(out, st)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "Backup dir:\t%s\n", st.BackupDir)
				fmt.Fprintf(tw, "Backups:\t%d (%d completed, %d failed)\n", st.Total, st.Completed, st.Failed)
				fmt.Fprintf(tw, "Total size:\t%s\n", humanize.Bytes(uint64(st.TotalSizeBytes)))
				fmt.Fprintf(tw, "Keep completed:\t%s\n", limit(st.MaxBackups))
				fmt.Fprintf(tw, "Keep failed:\t%s\n", limit(st.MaxFailed))
				if st.LastBackup != nil {
					fmt.Fprintf(tw, "Last backup:\t#%d %s (%s, %s)\n", st.LastBackup.ID, st.LastBackup.Name, st.LastBackup.Status, humanize.Time(st.LastBackup.CreatedAt))
				}
				if cfg.Schedule.Enabled {
					for _, t := range cfg.Schedule.Triggers {
						spec := t.Cron
						if spec == "" {
							spec = fmt.Sprintf("%s %s", t.Weekday, t.At)
						}
						fmt.Fprintf(tw, "Schedule %s:\t%s\n", t.Type, spec)
					}
				}
				return tw.Flush()
			})
		},
	}
}

func newListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), root, true, func(_ context.Context, m *app.Manager, _ *config.Config) error {
				records, err := m.ListBackups()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if root.JSON {
					if records == nil {
						records = []backup.Record{}
					}
					return writeJSON(out, records)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tSIZE\tCREATED")
				for _, r := range records {
					size := "-"
					if r.Status == backup.StatusCompleted {
						size = humanize.Bytes(uint64(r.SizeBytes))
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Type, r.Status, size, humanize.Time(r.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}
}

func newInfoCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show one backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), root, true, func(_ context.Context, m *app.Manager, _ *config.Config) error {
				rec, err := m.GetBackup(id)
				if err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), root.JSON, rec)
			})
		},
	}
}

func newDownloadCmd(root *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Copy a completed backup artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), root, true, func(_ context.Context, m *app.Manager, _ *config.Config) error {
				rc, rec, err := m.Open(id)
				if err != nil {
					return err
				}
				defer rc.Close()

				if output == "-" {
					_, err = io.Copy(cmd.OutOrStdout(), rc)
					return err
				}
				path := output
				if path == "" {
					path = filepath.Base(rec.ArtifactPath)
				}
				f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
				if err != nil {
					return err
				}
				if _, err := io.Copy(f, rc); err != nil {
					_ = f.Close()
					_ = os.Remove(path)
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s)\n", path, humanize.Bytes(uint64(rec.SizeBytes)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file, - for stdout (default: artifact name)")
	return cmd
}

func newDeleteCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup and its artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), root, false, func(ctx context.Context, m *app.Manager, _ *config.Config) error {
				removed, err := m.DeleteBackup(ctx, id)
				if err != nil {
					return err
				}
				if !removed {
					return backup.NotFound(id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted backup %d\n", id)
				return nil
			})
		},
	}
}

func newRestoreCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Extract a backup into a fresh directory under the restore dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), root, true, func(ctx context.Context, m *app.Manager, _ *config.Config) error {
				res, err := m.RestoreBackup(ctx, id)
				if err != nil {
					return err
				}
				if root.JSON {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"restore_path": res.Path, "backup": res.Record, "metadata": res.Metadata})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup %d extracted to %s\n", id, res.Path)
				return nil
			})
		},
	}
}

func newServeCmd(root *rootFlags) *cobra.Command {
	var noHTTP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig(root)
			if err != nil {
				return err
			}
			m, err := buildManager(cfg, logger, false)
			if err != nil {
				return err
			}
			if err := m.Init(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if !noHTTP && cfg.Server.Listen != "" {
				srv := httpapi.New(m, httpapi.Options{
					Listen:          cfg.Server.Listen,
					ReadTimeout:     cfg.Server.ReadTimeout,
					WriteTimeout:    cfg.Server.WriteTimeout,
					ShutdownTimeout: cfg.Server.ShutdownTimeout,
					Token:           cfg.Server.Token,
				}, logger)
				g.Go(func() error { return srv.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				return m.Shutdown(shutdownCtx)
			})
			logger.Info().Str("version", version.Version).Msg("serving")
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "Run only the scheduler")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" {
				return fmt.Errorf("--input is required")
			}
			if key == "" {
				key = os.Getenv("RBU_CONFIG_KEY")
			}
			if key == "" {
				return fmt.Errorf("--key or RBU_CONFIG_KEY is required")
			}
			path, err := config.EncryptConfigFile(input, output, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file (default: <input>.enc)")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rbu %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	applyOverrides(cfg, root)
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat), nil
}

func applyOverrides(cfg *config.Config, root *rootFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	if root.Root != "" {
		cfg.Backup.Root = root.Root
	}
	if root.MaxBackups >= 0 {
		cfg.Retention.MaxBackups = root.MaxBackups
	}
}

func buildManager(cfg *config.Config, logger zerolog.Logger, readOnly bool) (*app.Manager, error) {
	opts, err := app.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.ReadOnly = readOnly
	fs := afero.NewOsFs()
	deps := app.Deps{
		Fs:       fs,
		Logger:   logger,
		Notifier: notify.FromConfig(cfg.Notifications),
	}
	if cfg.Replication.Enabled {
		replica, err := storage.New(fs, cfg.Replication.Storage)
		if err != nil {
			return nil, err
		}
		deps.Replica = replica
	}
	return app.New(opts, deps)
}

// withManager runs fn against an initialized manager bounded by the operation
// timeout. One-shot commands never start the scheduler.
func withManager(parent context.Context, root *rootFlags, readOnly bool, fn func(context.Context, *app.Manager, *config.Config) error) error {
	cfg, logger, err := loadConfig(root)
	if err != nil {
		return err
	}
	scheduled := cfg.Schedule.Enabled
	cfg.Schedule.Enabled = false
	m, err := buildManager(cfg, logger, readOnly)
	cfg.Schedule.Enabled = scheduled
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, cfg.Global.OperationTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()
	return fn(ctx, m, cfg)
}

func printRecord(w io.Writer, asJSON bool, rec backup.Record) error {
	if asJSON {
		return writeJSON(w, rec)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%d\n", rec.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", rec.Name)
	fmt.Fprintf(tw, "Type:\t%s\n", rec.Type)
	fmt.Fprintf(tw, "Status:\t%s\n", rec.Status)
	fmt.Fprintf(tw, "Created:\t%s (%s)\n", rec.CreatedAt.Format("2006-01-02 15:04:05 MST"), humanize.Time(rec.CreatedAt))
	fmt.Fprintf(tw, "Files:\t%d\n", len(rec.IncludedFiles))
	if rec.Status == backup.StatusCompleted {
		fmt.Fprintf(tw, "Size:\t%s\n", humanize.Bytes(uint64(rec.SizeBytes)))
		fmt.Fprintf(tw, "Artifact:\t%s\n", rec.ArtifactPath)
	}
	if rec.RemoteKey != "" {
		fmt.Fprintf(tw, "Replica:\t%s\n", rec.RemoteKey)
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", rec.ErrorMessage)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid backup id %q", v)
	}
	return id, nil
}

func limit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
