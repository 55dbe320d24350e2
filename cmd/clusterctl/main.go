// Package main provides clusterctl, the admin CLI for a clusterd worker.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/thebtf/clusterd/internal/config"
)

var version = "dev"

type options struct {
	addr    string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(config.Get()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	opts := &options{}

	host := cfg.WorkerHost
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	rootCmd := &cobra.Command{
		Use:          "clusterctl",
		Short:        "Inspect and administer a clusterd worker",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", fmt.Sprintf("http://%s:%d", host, cfg.WorkerPort), "Worker address")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", cfg.AuthToken, "Admin token for merge and cache routes")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clusterctl %s\n", version)
		},
	})

	submitCmd := &cobra.Command{
		Use:   "submit <text>...",
		Short: "Submit one question, or several as a batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			country, _ := cmd.Flags().GetString("country")
			language, _ := cmd.Flags().GetString("language")
			batch, _ := cmd.Flags().GetBool("batch")

			q := func(text string) map[string]string {
				return map[string]string{"text": text, "country": country, "language": language}
			}
			if !batch {
				return call(cmd, opts, "POST", "/questions", nil, q(strings.Join(args, " ")))
			}
			items := make([]map[string]string, len(args))
			for i, a := range args {
				items[i] = q(a)
			}
			return call(cmd, opts, "POST", "/questions/batch", nil, map[string]any{"questions": items})
		},
	}
	submitCmd.Flags().String("country", "", "Origin country code")
	submitCmd.Flags().String("language", "", "Origin language code")
	submitCmd.Flags().Bool("batch", false, "Treat each argument as a separate question")
	rootCmd.AddCommand(submitCmd)

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find stored questions similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"q": {strings.Join(args, " ")}}
			addInt(cmd, q, "limit")
			return call(cmd, opts, "GET", "/search", q, nil)
		},
	}
	searchCmd.Flags().Int("limit", 0, "Maximum results")
	rootCmd.AddCommand(searchCmd)

	clustersCmd := &cobra.Command{
		Use:   "clusters",
		Short: "Inspect clusters",
	}
	topCmd := &cobra.Command{
		Use:   "top",
		Short: "List the largest active clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			addInt(cmd, q, "limit")
			return call(cmd, opts, "GET", "/clusters/top", q, nil)
		},
	}
	topCmd.Flags().Int("limit", 0, "Maximum clusters")
	trendingCmd := &cobra.Command{
		Use:   "trending",
		Short: "List the most active clusters in a recent period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			addInt(cmd, q, "days")
			addInt(cmd, q, "limit")
			return call(cmd, opts, "GET", "/clusters/trending", q, nil)
		},
	}
	trendingCmd.Flags().Int("days", 0, "Period length in days")
	trendingCmd.Flags().Int("limit", 0, "Maximum clusters")
	showCmd := &cobra.Command{
		Use:   "show <cluster-id>",
		Short: "Show a cluster and its recent statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, "GET", "/clusters/"+url.PathEscape(args[0]), nil, nil)
		},
	}
	questionsCmd := &cobra.Command{
		Use:   "questions <cluster-id>",
		Short: "List the questions of a cluster, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			addInt(cmd, q, "limit")
			addInt(cmd, q, "offset")
			return call(cmd, opts, "GET", "/clusters/"+url.PathEscape(args[0])+"/questions", q, nil)
		},
	}
	questionsCmd.Flags().Int("limit", 0, "Page size")
	questionsCmd.Flags().Int("offset", 0, "Page offset")
	clustersCmd.AddCommand(topCmd, trendingCmd, showCmd, questionsCmd)
	rootCmd.AddCommand(clustersCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "merge <source-id> <target-id>",
		Short: "Merge the source cluster into the target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"source_id": args[0], "target_id": args[1]}
			return call(cmd, opts, "POST", "/clusters/merge", nil, body)
		},
	})

	duplicatesCmd := &cobra.Command{
		Use:   "duplicates",
		Short: "List pairs of active clusters with near-identical centroids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if t, _ := cmd.Flags().GetFloat64("threshold"); t > 0 {
				q.Set("threshold", strconv.FormatFloat(t, 'f', -1, 64))
			}
			addInt(cmd, q, "limit")
			return call(cmd, opts, "GET", "/clusters/duplicates", q, nil)
		},
	}
	duplicatesCmd.Flags().Float64("threshold", 0, "Minimum centroid similarity (default: worker setting)")
	duplicatesCmd.Flags().Int("limit", 0, "Maximum pairs")
	rootCmd.AddCommand(duplicatesCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show global statistics, or per-day rows with --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("days") {
				q := url.Values{}
				addInt(cmd, q, "days")
				return call(cmd, opts, "GET", "/stats/daily", q, nil)
			}
			return call(cmd, opts, "GET", "/stats/global", nil, nil)
		},
	}
	statsCmd.Flags().Int("days", 0, "Show daily rows for this many days")
	rootCmd.AddCommand(statsCmd)

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or invalidate the cluster cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, "GET", "/cache/stats", nil, nil)
		},
	}, &cobra.Command{
		Use:   "invalidate",
		Short: "Drop the cached snapshot in every worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, "POST", "/cache/invalidate", nil, nil)
		},
	})
	rootCmd.AddCommand(cacheCmd)

	maintenanceCmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Show maintenance status, or start a sweep with --run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if run, _ := cmd.Flags().GetBool("run"); run {
				return call(cmd, opts, "POST", "/maintenance/run", nil, nil)
			}
			return call(cmd, opts, "GET", "/maintenance", nil, nil)
		},
	}
	maintenanceCmd.Flags().Bool("run", false, "Start a sweep now")
	rootCmd.AddCommand(maintenanceCmd)

	return rootCmd
}

// call performs one request and prints the response as indented JSON.
func call(cmd *cobra.Command, opts *options, method, path string, query url.Values, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	var out json.RawMessage
	if err := newClient(opts.addr, opts.token, opts.timeout).do(ctx, method, path, query, body, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// addInt copies a positive int flag into q under the same name.
func addInt(cmd *cobra.Command, q url.Values, name string) {
	if v, _ := cmd.Flags().GetInt(name); v > 0 {
		q.Set(name, strconv.Itoa(v))
	}
}
