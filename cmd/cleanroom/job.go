package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/store"
)

// apiClient is a thin wrapper over the daemon REST API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(apiAddr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Detail != "" {
			return fmt.Errorf("%s", apiErr.Detail)
		}
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func submitCmd() *cobra.Command {
	var (
		container string
		files     []string
		phases    []int
		priority  string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch validation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient()

			var job domain.Job
			err := c.do(http.MethodPost, "/api/jobs/batch", map[string]any{
				"container_name": container,
				"file_paths":     files,
				"phases":         phases,
				"priority":       priority,
			}, &job)
			if err != nil {
				return err
			}

			fmt.Printf("Job submitted: %s\n", job.ID)
			fmt.Printf("  Container: %s\n", job.ContainerName)
			fmt.Printf("  Files:     %d\n", len(job.FilePaths))
			fmt.Printf("  Phases:    %v\n", job.Phases)
			fmt.Printf("  Priority:  %s\n", job.Priority)

			if !wait {
				return nil
			}
			return watchJob(c, job.ID)
		},
	}

	cmd.Flags().StringVar(&container, "container", "", "Blob container holding the batch")
	cmd.Flags().StringSliceVar(&files, "file", nil, "File path within the container (repeatable; empty = whole container)")
	cmd.Flags().IntSliceVar(&phases, "phases", []int{1, 2, 3}, "Phases to run (1=CDR, 2=AV, 3=EDR)")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Job priority (low, normal, high)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job reaches a terminal status")
	cmd.MarkFlagRequired("container")

	return cmd
}

func watchJob(c *apiClient, id string) error {
	lastPhase := 0
	for {
		var job domain.Job
		if err := c.do(http.MethodGet, "/api/jobs/"+id, nil, &job); err != nil {
			return err
		}

		if job.CurrentPhase != lastPhase && job.CurrentPhase > 0 {
			fmt.Printf("phase %d started (%d units)\n", job.CurrentPhase, job.TotalUnits)
			lastPhase = job.CurrentPhase
		}

		if job.Status.Terminal() {
			fmt.Printf("Job %s: %s", job.ID, job.Status)
			if job.Error != "" {
				fmt.Printf(" (%s)", job.Error)
			}
			fmt.Println()
			if job.Status != domain.JobCompleted {
				return fmt.Errorf("job ended %s", job.Status)
			}
			return nil
		}

		fmt.Printf("  phase %d: %d/%d units (%.0f%%), %d failed\n",
			job.CurrentPhase, job.Processed, job.TotalUnits, job.ProgressPercent(), job.Failed)
		time.Sleep(5 * time.Second)
	}
}

func listCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List recent jobs",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient()

			var out struct {
				Jobs []domain.Job `json:"jobs"`
			}
			if err := c.do(http.MethodGet, "/api/jobs?limit="+strconv.Itoa(limit), nil, &out); err != nil {
				return err
			}

			if len(out.Jobs) == 0 {
				fmt.Println("No jobs found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tCONTAINER\tSTATUS\tPHASE\tPROGRESS\tPRIORITY\tCREATED")
			for _, job := range out.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
					job.ID,
					job.ContainerName,
					job.Status,
					job.CurrentPhase,
					job.Processed, job.TotalUnits,
					job.Priority,
					job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to list")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Get job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient()

			var job domain.Job
			if err := c.do(http.MethodGet, "/api/jobs/"+args[0], nil, &job); err != nil {
				return err
			}

			fmt.Printf("Job: %s\n", job.ID)
			fmt.Printf("  Container:  %s\n", job.ContainerName)
			fmt.Printf("  Status:     %s\n", job.Status)
			fmt.Printf("  Phases:     %v\n", job.Phases)
			fmt.Printf("  Priority:   %s\n", job.Priority)
			fmt.Printf("  Progress:   %d/%d units (phase %d), %d failed\n",
				job.Processed, job.TotalUnits, job.CurrentPhase, job.Failed)
			fmt.Printf("  Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
			if job.StartedAt != nil {
				fmt.Printf("  Started:    %s\n", job.StartedAt.Format(time.RFC3339))
			}
			if job.CompletedAt != nil {
				fmt.Printf("  Completed:  %s\n", job.CompletedAt.Format(time.RFC3339))
			}
			if job.CancelledAt != nil {
				fmt.Printf("  Cancelled:  %s\n", job.CancelledAt.Format(time.RFC3339))
			}
			if job.Error != "" {
				fmt.Printf("  Error:      %s\n", job.Error)
			}
			if len(job.PhaseSummaries) > 0 {
				fmt.Printf("  Summaries:\n")
				for _, tag := range []domain.PhaseTag{domain.PhaseCDR, domain.PhaseAV, domain.PhaseEDR} {
					summary, ok := job.PhaseSummaries[tag]
					if !ok {
						continue
					}
					data, _ := json.MarshalIndent(summary, "    ", "  ")
					fmt.Printf("    %s: %s\n", tag, data)
				}
			}
			return nil
		},
	}
}

func resultsCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "results <job-id>",
		Short: "Show per-unit results for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient()

			var out struct {
				JobID   string                       `json:"job_id"`
				Status  domain.JobStatus             `json:"status"`
				Results map[string][]json.RawMessage `json:"results"`
			}
			if err := c.do(http.MethodGet, "/api/jobs/"+args[0]+"/results", nil, &out); err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Printf("Job %s (%s)\n", out.JobID, out.Status)
			for _, tag := range []string{"phase1", "phase2", "phase3"} {
				entries, ok := out.Results[tag]
				if !ok {
					continue
				}
				fmt.Printf("\n%s: %d results\n", tag, len(entries))
				for _, raw := range entries {
					var row struct {
						FilePath     string `json:"file_path"`
						CDREngine    string `json:"engine_name"`
						AVEngine     string `json:"av_engine_name"`
						Console      string `json:"edr_solution_name"`
						Status       string `json:"status"`
						Malicious    bool   `json:"is_malicious"`
						ThreatsFound int    `json:"threats_found"`
						AlertCount   int    `json:"alert_count"`
						Error        string `json:"error,omitempty"`
					}
					if err := json.Unmarshal(raw, &row); err != nil {
						continue
					}
					engine := row.CDREngine
					if engine == "" {
						engine = row.AVEngine
					}
					if engine == "" {
						engine = row.Console
					}
					line := fmt.Sprintf("  [%s] %s %s", row.Status, engine, row.FilePath)
					switch tag {
					case "phase1":
						line += fmt.Sprintf(" threats=%d", row.ThreatsFound)
					case "phase2":
						line += fmt.Sprintf(" malicious=%t", row.Malicious)
					case "phase3":
						line += fmt.Sprintf(" alerts=%d", row.AlertCount)
					}
					if row.Error != "" {
						line += " error=" + row.Error
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit raw JSON instead of a summary")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running or pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient()
			if err := c.do(http.MethodDelete, "/api/jobs/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Job %s cancelled\n", args[0])
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient()

			var stats store.Statistics
			if err := c.do(http.MethodGet, "/api/statistics", nil, &stats); err != nil {
				return err
			}

			fmt.Printf("Jobs: %d total\n", stats.TotalJobs)
			fmt.Printf("  pending:   %d\n", stats.PendingJobs)
			fmt.Printf("  running:   %d\n", stats.RunningJobs)
			fmt.Printf("  completed: %d\n", stats.CompletedJobs)
			fmt.Printf("  failed:    %d\n", stats.FailedJobs)
			fmt.Printf("  cancelled: %d\n", stats.CancelledJobs)
			fmt.Printf("Units: %d processed of %d\n", stats.ProcessedUnits, stats.TotalUnits)
			return nil
		},
	}
}
