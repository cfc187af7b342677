package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"edgeguard/internal/app/version"
	"edgeguard/internal/blocklist"
	"edgeguard/internal/config"
	"edgeguard/internal/database"
	"edgeguard/internal/domain"
	"edgeguard/internal/permitmap"
)

const defaultHistoryLimit = 20

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edgeguard",
		Short: "Publishes bot and permit maps to nginx",
		Long: `edgeguard reads the addresses flagged by bot detection from Redis,
aggregates them into CIDR ranges and publishes them as nginx map files.
It also publishes the map of addresses that solved a challenge.

Every publish writes drafts, validates them with "nginx -t", swaps them in
and reloads nginx. The store is only drained after a successful reload.`,
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newAggregateCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Publish both maps on their schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "publish bot|permit",
		Short:     "Run a single publish cycle of one map",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{blocklist.MapName, permitmap.MapName},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := exitOnSignal()
			defer stop()

			outcome, err := publishOnce(ctx, cfg, args[0])
			if outcome != nil {
				printOutcome(cmd.OutOrStdout(), outcome)
			}
			if err != nil {
				return err
			}
			if outcome != nil && outcome.Err != nil {
				return fmt.Errorf("map published but store was not drained: %w", outcome.Err)
			}
			return nil
		},
	}
}

func printOutcome(w io.Writer, o *blocklist.Outcome) {
	fmt.Fprintf(w, "map=%s status=%s took=%s\n", o.Map, o.Status, o.Took.Round(time.Millisecond))
	fmt.Fprintf(w, "raw=%d carried=%d rejected=%d allowlisted=%d\n", o.RawEntries, o.CarriedEntries, o.Rejected, o.Allowlisted)
	fmt.Fprintf(w, "primary=%d overflow=%d shed=%d\n", o.Primary, o.Overflow, o.Shed)
}

func newAggregateCmd() *cobra.Command {
	var maxLines int

	cmd := &cobra.Command{
		Use:   "aggregate [file]",
		Short: "Aggregate addresses and print the map files without publishing",
		Long: `Reads one address or CIDR range per line from file, or stdin when no
file is given, and prints the bot map and overflow map that a publish
cycle would write. Nothing is read from or written to Redis or nginx.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-lines") {
				cfg.BotMap.MaxLines = maxLines
			}

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return aggregateDryRun(cfg, in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVar(&maxLines, "max-lines", blocklist.DefaultMaxLines, "line bound of each map file")
	return cmd
}

func aggregateDryRun(cfg config.Config, in io.Reader, out, summary io.Writer) error {
	raw, err := readLines(in)
	if err != nil {
		return err
	}

	pipeline, allow, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer allow.Close()

	result := pipeline.Process(raw)
	split := pipeline.Split(result.Ranges, cfg.BotMap.MaxLines)

	fmt.Fprintf(out, "# %s\n", cfg.BotMap.MapPath)
	if _, err := out.Write(blocklist.BuildMap(split.Primary, blocklist.TagBlock)); err != nil {
		return err
	}
	fmt.Fprintf(out, "# %s\n", cfg.BotMap.OverflowMapPath)
	if _, err := out.Write(blocklist.BuildMap(split.Overflow, blocklist.TagBlock)); err != nil {
		return err
	}

	fmt.Fprintf(summary, "input=%d rejected=%d allowlisted=%d primary=%d overflow=%d shed=%d\n",
		result.Input, result.Rejected, result.PreFiltered+result.PostFiltered,
		len(split.Primary), len(split.Overflow), len(split.Shed))
	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func newHistoryCmd() *cobra.Command {
	var (
		mapName string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent publish cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set, no publish history is kept")
			}

			db, err := database.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			records, err := database.NewRecorder(db).Recent(cmd.Context(), mapName, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().StringVar(&mapName, "map", "", "only show cycles of this map (bot or permit)")
	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "number of records to show")
	return cmd
}

func printHistory(w io.Writer, records []domain.PublishRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMAP\tSTATUS\tREASON\tPRIMARY\tOVERFLOW\tSHED\tTOOK\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%dms\t%s\n",
			r.CreatedAt.Format(time.RFC3339), r.Map, r.Status, r.Reason,
			r.Primary, r.Overflow, r.Shed, r.DurationMs, r.Error)
	}
	return tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
		},
	}
}
