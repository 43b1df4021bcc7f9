package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelian/shardtracker/pkg/trackerclient"
	"github.com/mycelian/shardtracker/pkg/wire"
)

type globals struct {
	api     string
	version uint64
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "shardctl",
		Short:         "CLI client for the shard tracker REST API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.api, "api", "a", "http://localhost:8080", "Shard tracker base URL")
	root.PersistentFlags().Uint64Var(&g.version, "shard-version", 0, "Expected shard version (optional for assign only)")

	root.AddCommand(
		submitCmd(g),
		listCmd(g),
		getCmd(g),
		assignCmd(g),
		attemptCmd(g),
		reportCmd(g),
		completeCmd(g),
		failCmd(g),
		cancelCmd(g),
		historyCmd(g),
		eventsCmd(g),
	)
	return root
}

func (g *globals) client() *trackerclient.Client { return trackerclient.New(g.api) }

func submitCmd(g *globals) *cobra.Command {
	var req wire.SubmitJobRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := g.client().SubmitJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Job ID (generated when empty)")
	cmd.Flags().StringVarP(&req.ClientID, "client", "c", "", "Submitting client ID")
	cmd.Flags().IntVarP(&req.ShardCount, "shards", "n", 1, "Number of shards")
	cmd.Flags().StringSliceVarP(&req.Tags, "tag", "t", nil, "Job tag (repeatable)")
	return cmd
}

func listCmd(g *globals) *cobra.Command {
	var opts trackerclient.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := g.client().ListJobs(cmd.Context(), opts)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, j := range l.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%d shards\t%s\n", j.ID, j.State, len(j.Shards), strings.Join(j.Tags, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.ClientID, "client", "c", "", "Only jobs of this client")
	cmd.Flags().StringSliceVar(&opts.IncludeTags, "include", nil, "Require any of these tags")
	cmd.Flags().StringSliceVar(&opts.ExcludeTags, "exclude", nil, "Drop jobs with any of these tags")
	cmd.Flags().IntVarP(&opts.MaxJobs, "max", "m", 0, "Maximum number of jobs")
	cmd.Flags().BoolVar(&opts.ReturnAll, "all", false, "Ignore --max")
	cmd.Flags().StringVar(&opts.SortBy, "sort", "", "Sort key: create_time, update_time, id, state")
	cmd.Flags().BoolVar(&opts.SortReverse, "reverse", false, "Reverse sort order")
	return cmd
}

func getCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB [SHARD]",
		Short: "Show a job, or one of its shards",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			if len(args) == 1 {
				j, err := c.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			}
			idx, err := shardIndex(args[1])
			if err != nil {
				return err
			}
			s, err := c.GetShard(cmd.Context(), args[0], idx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

func assignCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "assign JOB SHARD NODE",
		Short: "Assign a shard to a node",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := shardIndex(args[1])
			if err != nil {
				return err
			}
			s, err := g.client().AssignShard(cmd.Context(), args[0], idx, args[2], g.version)
			return printShard(cmd.OutOrStdout(), s, err)
		},
	}
}

func attemptCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "attempt JOB SHARD NODE",
		Short: "Record a new execution attempt of a shard on a node",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := shardIndex(args[1])
			if err != nil {
				return err
			}
			r, err := g.client().RecordAttempt(cmd.Context(), args[0], idx, args[2], g.version)
			if err != nil {
				return explain(err)
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
}

func reportCmd(g *globals) *cobra.Command {
	var req wire.ReportRequest
	var permanent bool
	cmd := &cobra.Command{
		Use:   "report EXECUTION STATE",
		Short: "Report an execution state change (running, completed, failed, cancelled)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.State = args[1]
			req.Version = g.version
			if permanent {
				retriable := false
				req.Retriable = &retriable
			}
			r, err := g.client().ReportExecution(cmd.Context(), args[0], req)
			if err != nil {
				return explain(err)
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().StringVar(&req.Result, "result", "", "Result payload for completed executions")
	cmd.Flags().StringVar(&req.Error, "error", "", "Error message for failed executions")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Failure is not retriable; fail the shard")
	return cmd
}

func completeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "complete JOB SHARD EXECUTION",
		Short: "Accept a completed execution as the shard result",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := shardIndex(args[1])
			if err != nil {
				return err
			}
			s, err := g.client().CompleteShard(cmd.Context(), args[0], idx, args[2], g.version)
			return printShard(cmd.OutOrStdout(), s, err)
		},
	}
}

func failCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail JOB SHARD",
		Short: "Mark a shard failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := shardIndex(args[1])
			if err != nil {
				return err
			}
			s, err := g.client().FailShard(cmd.Context(), args[0], idx, reason, g.version)
			return printShard(cmd.OutOrStdout(), s, err)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason")
	return cmd
}

func cancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB [SHARD]",
		Short: "Cancel a whole job, or one shard",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			if len(args) == 1 {
				j, err := c.CancelJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			}
			idx, err := shardIndex(args[1])
			if err != nil {
				return err
			}
			s, err := c.CancelShard(cmd.Context(), args[0], idx, g.version)
			return printShard(cmd.OutOrStdout(), s, err)
		},
	}
}

func historyCmd(g *globals) *cobra.Command {
	var node string
	var active bool
	cmd := &cobra.Command{
		Use:   "history JOB SHARD",
		Short: "List executions of a shard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := shardIndex(args[1])
			if err != nil {
				return err
			}
			l, err := g.client().History(cmd.Context(), args[0], idx, node, active)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range l.Executions {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.NodeID, e.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "Only executions of this node")
	cmd.Flags().BoolVar(&active, "active", false, "Only the node's active execution (needs --node)")
	return cmd
}

func eventsCmd(g *globals) *cobra.Command {
	var (
		after  uint64
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events JOB",
		Short: "Print a job's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			w := cmd.OutOrStdout()
			var wait time.Duration
			if follow {
				wait = 10 * time.Second
			}
			for {
				l, err := c.JobEvents(cmd.Context(), args[0], after, wait)
				if err != nil {
					return err
				}
				for _, e := range l.Events {
					shard := "-"
					if e.ShardIndex >= 0 {
						shard = strconv.Itoa(e.ShardIndex)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\tv%d\t%s\n", e.Seq, e.Name, shard, e.ShardState, e.ShardVersion, e.Detail)
					after = e.Seq
				}
				if !follow {
					return nil
				}
			}
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "Only events numbered after this one")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep waiting for new events")
	return cmd
}

func shardIndex(s string) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("shard index must be an integer: %q", s)
	}
	return idx, nil
}

func printShard(w io.Writer, s *wire.ShardRecord, err error) error {
	if err != nil {
		return explain(err)
	}
	return printJSON(w, s)
}

// explain adds the authoritative version to conflict errors so the operator
// can retry with --shard-version.
func explain(err error) error {
	if cur, ok := trackerclient.CurrentShard(err); ok {
		return fmt.Errorf("%w; current state %s at version %d", err, cur.State, cur.Version)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
