package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/yourusername/doc-lens/internal/jobs"
)

type rootOptions struct {
	server   string
	username string
	password string
	timeout  time.Duration
	jsonOut  bool

	client *client
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "doclens",
		Short:         "doc-lens API client",
		Long:          "Submit documents for page analysis, follow job progress and search the resulting indexes.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts.server, opts.timeout)
			if err != nil {
				return err
			}
			if opts.username != "" {
				if err := c.login(cmd.Context(), opts.username, opts.password); err != nil {
					return fmt.Errorf("login: %w", err)
				}
			}
			opts.client = c
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.server, "server", "s", envOr("DOCLENS_SERVER", "http://localhost:8080"), "API server URL")
	flags.StringVarP(&opts.username, "username", "u", os.Getenv("DOCLENS_USERNAME"), "login user (empty skips login)")
	flags.StringVarP(&opts.password, "password", "p", os.Getenv("DOCLENS_PASSWORD"), "login password")
	flags.DurationVar(&opts.timeout, "timeout", 60*time.Second, "per-request timeout")
	flags.BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newDeleteCmd(opts),
		newCleanupCmd(opts),
		newSearchCmd(opts),
	)
	return root
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a PDF or image and start processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := opts.client.submit(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !wait {
				if opts.jsonOut {
					return printJSON(out, res)
				}
				fmt.Fprintf(out, "job %s accepted (document %s)\n", res.JobID, res.DocumentID)
				return nil
			}

			st, err := followJob(ctx, opts.client, res.JobID, interval, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(out, st)
			}
			printJob(out, st)
			if st.Status == jobs.StatusFailed {
				return errors.New("job failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish and show progress")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval used with --wait")
	return cmd
}

// followJob は進捗バーを描画しながらジョブの終了を待ちます。
func followJob(ctx context.Context, c *client, jobID string, interval time.Duration, w io.Writer) (*jobStatus, error) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("queued"),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
	st, err := c.waitForJob(ctx, jobID, interval, func(st *jobStatus) {
		if st.StepDescription != "" {
			bar.Describe(st.StepDescription)
		}
		_ = bar.Set(int(st.ProgressPercentage))
	})
	if err != nil {
		_ = bar.Exit()
		return nil, err
	}
	if st.Status == jobs.StatusCompleted {
		_ = bar.Finish()
	} else {
		_ = bar.Exit()
		fmt.Fprintln(w)
	}
	return st, nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client.job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printJob(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client.jobs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, list)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tFILE\tSTATUS\tPROGRESS\tCREATED")
			for _, j := range list.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\n",
					j.ID, j.Filename, j.Status, j.ProgressPercentage, j.CreatedAt.Local().Format(time.DateTime))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d jobs, %d active\n", list.TotalJobs, list.ActiveJobs)
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <jobId>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client.deleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s deleted\n", args[0])
			return nil
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove jobs older than --max-age (server default when omitted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			age := time.Duration(-1)
			if cmd.Flags().Changed("max-age") {
				age = maxAge
			}
			res, err := opts.client.cleanup(cmd.Context(), age)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs, %d remaining\n", res.RemovedCount, res.RemainingJobs)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "remove jobs older than this")
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <indexId> <query...>",
		Short: "Search a document index",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client.search(cmd.Context(), args[0], strings.Join(args[1:], " "), k)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, res)
			}
			if len(res.Results) == 0 {
				fmt.Fprintln(out, "no matches")
				return nil
			}
			for i, hit := range res.Results {
				fmt.Fprintf(out, "%d. page %d (score %.3f)\n   %s\n", i+1, hit.Page, hit.Score, snippet(hit.Text, 200))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "top", "k", 3, "number of results")
	return cmd
}

func printJob(w io.Writer, st *jobStatus) {
	fmt.Fprintf(w, "job:      %s\n", st.ID)
	fmt.Fprintf(w, "file:     %s\n", st.Filename)
	fmt.Fprintf(w, "status:   %s (%s)\n", st.Status, st.StepDescription)
	fmt.Fprintf(w, "progress: %.0f%%\n", st.ProgressPercentage)
	if st.TotalPages != nil {
		fmt.Fprintf(w, "pages:    %d/%d\n", st.CompletedPages, *st.TotalPages)
	}
	if st.DurationSeconds > 0 {
		fmt.Fprintf(w, "elapsed:  %.1fs\n", st.DurationSeconds)
	}
	if st.IndexID != "" {
		fmt.Fprintf(w, "index:    %s\n", st.IndexID)
	}
	if st.Error != nil {
		fmt.Fprintf(w, "error:    %s: %s\n", st.Error.Code, st.Error.Message)
	}
	for _, f := range st.Errors {
		fmt.Fprintf(w, "page %d:   %s: %s\n", f.Page, f.Error.Code, f.Error.Message)
	}
	for _, warn := range st.Warnings {
		fmt.Fprintf(w, "warning:  %s: %s\n", warn.Code, warn.Message)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
