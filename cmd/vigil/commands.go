package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/backup"
	"github.com/HerbHall/vigil/internal/config"
	"github.com/HerbHall/vigil/internal/discovery"
	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/pkg/check"
)

func newDiscoverCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discover HOST",
		Short: "Rediscover the services of a host and store the inventory",
		Long: `Collect fresh data from every source of HOST, run discovery of all plugins
and replace the stored inventory. The difference to the previous inventory
is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.discover(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

func (a *app) discover(ctx context.Context, name string, w io.Writer) error {
	host, err := a.hosts.Lookup(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.pipeline.CycleTimeout)
	defer cancel()

	snap := a.runner.Gather(ctx, host)
	if len(snap.Sections) == 0 {
		fmt.Fprintf(w, "%s no data collected from %s, keeping the stored inventory\n", color.YellowString("!"), name)
	}
	for _, origin := range snap.Failed {
		fmt.Fprintf(w, "%s %s data unavailable, keeping its stored services\n", color.YellowString("!"), origin)
	}
	a.cache.Invalidate(name)
	inv, err := a.cache.Services(ctx, host, snap.Sections, snap.Failed)
	if err != nil {
		return err
	}
	if err := a.cache.Commit(ctx, inv); err != nil {
		return err
	}
	printInventory(w, inv.Services, inv.Changes)
	return nil
}

func newCheckCmd(configPath *string) *cobra.Command {
	var showMetrics bool
	cmd := &cobra.Command{
		Use:   "check HOST",
		Short: "Run one check cycle for a host and print the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.checkNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report, showMetrics)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showMetrics, "metrics", "m", false, "print metrics of each service")
	return cmd
}

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the registered check plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := newRegistry(zap.NewNop())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tGROUP\tCLASSIFICATION\tSECTIONS\tDEFAULTS")
			for def := range reg.All() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					def.Name, dash(def.Group), def.Classification,
					dash(strings.Join(def.Sections, ",")), dash(def.DefaultParams))
			}
			return tw.Flush()
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with auth.jwt_secret",
		Example: `  vigil token --subject grafana
  vigil token --subject ops --scope admin --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = v.GetDuration("auth.token_ttl")
			}
			tokens, err := tokenService(v.GetString("auth.jwt_secret"), ttl)
			if err != nil {
				return err
			}
			if tokens == nil {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			token, err := tokens.Issue(subject, scope)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringVar(&scope, "scope", "read", `token scope, "admin" allows write requests`)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 uses auth.token_ttl")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newBackupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backup ARCHIVE",
		Short: "Archive the inventory database, configuration and rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			src := backup.Sources{
				Database: v.GetString("database.path"),
				Config:   v.ConfigFileUsed(),
				Rules:    existing(v.GetString("rules.path")),
			}
			if err := backup.Backup(cmd.Context(), src, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s backup written to %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var (
		target string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "restore ARCHIVE",
		Short: "Extract a backup archive",
		Long: `Extract a backup archive into the target directory. The daemon must be
stopped. Existing files are kept unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := backup.Restore(cmd.Context(), args[0], backup.RestoreOptions{Target: target, Force: force})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s restored %s into %s (backup of %s, %s)\n",
				color.GreenString("✓"), strings.Join(m.Files(), ", "), target,
				m.Version, humanize.Time(m.Created))
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", ".", "directory to extract into")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")
	return cmd
}

var stateColors = map[check.State]*color.Color{
	check.OK:      color.New(color.FgGreen),
	check.Warn:    color.New(color.FgYellow),
	check.Crit:    color.New(color.FgRed, color.Bold),
	check.Unknown: color.New(color.FgMagenta),
}

func colorState(s check.State) string {
	if c, ok := stateColors[s]; ok {
		return c.Sprint(s.String())
	}
	return s.String()
}

func printReport(w io.Writer, report *pipeline.CycleReport, showMetrics bool) {
	fmt.Fprintf(w, "%s %s  worst %s  %d services  %s\n",
		color.New(color.FgCyan, color.Bold).Sprint("host"), report.Host,
		colorState(report.Worst), len(report.Results),
		report.Finished.Sub(report.Started).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tSERVICE\tSOURCE\tMESSAGE")
	for _, r := range report.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", colorState(r.Result.State), r.Description, r.Source, r.Result.Message)
		if showMetrics && len(r.Result.Metrics) > 0 {
			fmt.Fprintf(tw, "\t\t\t%s\n", perfData(r.Result.Metrics))
		}
	}
	_ = tw.Flush()
}

// perfData renders metrics as name=value;warn;crit tokens.
func perfData(metrics []check.Metric) string {
	parts := make([]string, len(metrics))
	for i, m := range metrics {
		s := fmt.Sprintf("%s=%g", m.Name, m.Value)
		if m.Warn != nil || m.Crit != nil {
			s += ";" + optFloat(m.Warn) + ";" + optFloat(m.Crit)
		}
		parts[i] = s
	}
	return strings.Join(parts, " ")
}

func optFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%g", *f)
}

func printInventory(w io.Writer, services []check.DiscoveredService, changes *discovery.Changes) {
	marks := make(map[check.ServiceID]string)
	if changes != nil {
		for _, s := range changes.Added {
			marks[s.ServiceID] = color.GreenString("+")
		}
		for _, s := range changes.Changed {
			marks[s.ServiceID] = color.YellowString("~")
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, " \tSERVICE\tPLUGIN\tSOURCE")
	for _, s := range services {
		mark := marks[s.ServiceID]
		if mark == "" {
			mark = " "
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, s.Description, s.ServiceID, s.Source)
	}
	if changes != nil {
		for _, s := range changes.Removed {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", color.RedString("-"), s.Description, s.ServiceID, s.Source)
		}
	}
	_ = tw.Flush()

	if changes == nil || changes.Empty() {
		fmt.Fprintf(w, "%d services, inventory unchanged\n", len(services))
		return
	}
	fmt.Fprintf(w, "%d services: %d added, %d removed, %d changed\n",
		len(services), len(changes.Added), len(changes.Removed), len(changes.Changed))
}

// existing returns path when a file exists there, otherwise "".
func existing(path string) string {
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
