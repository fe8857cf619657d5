package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const defaultConfigName = "mysql2pg.toml"

var (
	configPath string
	initConfig bool
	dryRun     bool
	assumeYes  bool
	verbose    bool
	history    int
)

var rootCmd = &cobra.Command{
	Use:           "mysql2pg [config.toml]",
	Short:         "One-shot MySQL to PostgreSQL migration driven by pgloader",
	Args:          cobra.MaximumNArgs(1),
	Version:       versionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMigration,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "path to migration TOML config file")
	f.BoolVar(&initConfig, "init", false, "write a scaffold config file and exit")
	f.BoolVar(&dryRun, "dry-run", false, "check connectivity and preview the load file without migrating")
	f.BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
	f.BoolVarP(&verbose, "verbose", "v", false, "echo raw pgloader output")
	f.IntVar(&history, "history", 0, "show the last N recorded runs and exit")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func runMigration(cmd *cobra.Command, args []string) error {
	// Positional arg takes precedence over --config
	cfgPath := configPath
	if len(args) > 0 {
		cfgPath = args[0]
	}

	if initConfig {
		if cfgPath == "" {
			cfgPath = defaultConfigName
		}
		if err := writeScaffold(cfgPath); err != nil {
			return err
		}
		log.Printf("wrote %s; replace the YOUR_* values, then run: mysql2pg %s --dry-run", cfgPath, cfgPath)
		return nil
	}
	if cfgPath == "" {
		return &ConfigError{Reason: "config file required: mysql2pg <config.toml> or mysql2pg --config <config.toml> (create one with --init)"}
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	if history > 0 {
		return printHistory(cmd.Context(), cmd.OutOrStdout(), cfg, history)
	}

	if !dryRun && !assumeYes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return &ConfigError{Field: "--yes", Reason: "stdin is not a terminal; pass --yes to migrate without confirmation"}
		}
		ok, err := askConfirmation(os.Stdin, cmd.ErrOrStderr(), cfg)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w before start", ErrCancelled)
		}
	}

	m := newMigration(cfg, dryRun)
	m.out = cmd.OutOrStdout()
	if verbose {
		m.echo = cmd.ErrOrStderr()
	}
	return m.Run(cmd.Context())
}

// askConfirmation asks the operator to confirm a full run. Only "y" and
// "yes" confirm.
func askConfirmation(in io.Reader, out io.Writer, cfg *MigrationConfig) (bool, error) {
	fmt.Fprintf(out, "migrate %s\n   into %s (schema %s)\n", cfg.SourceSpec(), cfg.TargetSpec(), cfg.Postgres.Schema)
	fmt.Fprintln(out, "existing target tables with the same names will be dropped and recreated.")
	fmt.Fprint(out, "continue? [y/N]: ")

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// printHistory lists the most recent runs from the journal, newest first.
func printHistory(ctx context.Context, w io.Writer, cfg *MigrationConfig, limit int) error {
	jr, err := openJournal(ctx, cfg.resolvePath(cfg.StateDir))
	if err != nil {
		return err
	}
	defer jr.Close()

	runs, err := jr.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tMODE\tSTATE\tEXIT\tERROR\t")
	for _, r := range runs {
		mode := "migrate"
		if r.DryRun {
			mode = "dry-run"
		}
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t\n", id, humanize.Time(r.StartedAt), mode, r.State, exit, r.Error)
	}
	return tw.Flush()
}
