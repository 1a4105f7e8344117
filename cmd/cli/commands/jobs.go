package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/celestiaorg/provisioner/pkg/api/v1/client"
	"github.com/celestiaorg/provisioner/pkg/types"
)

// jobOutput represents the filtered output for a job
type jobOutput struct {
	ID                    uuid.UUID       `json:"id"`
	Type                  types.JobType   `json:"type"`
	Queue                 string          `json:"queue"`
	Status                types.JobStatus `json:"status"`
	Attempts              int             `json:"attempts"`
	MaxAttempts           int             `json:"max_attempts,omitempty"`
	LastError             string          `json:"last_error,omitempty"`
	RequiresManualCleanup bool            `json:"requires_manual_cleanup,omitempty"`
	Steps                 []stepOutput    `json:"steps,omitempty"`
}

// stepOutput represents the filtered output for a pipeline step
type stepOutput struct {
	Name     string           `json:"name"`
	Status   types.StepStatus `json:"status"`
	Attempts int              `json:"attempts"`
	Error    string           `json:"error,omitempty"`
}

// jobListOutput represents the filtered output for a list of jobs
type jobListOutput struct {
	Jobs  []jobOutput `json:"jobs"`
	Total int         `json:"total"`
}

func toJobOutput(v types.JobStatusView, withSteps bool) jobOutput {
	out := jobOutput{
		ID:                    v.ID,
		Type:                  v.Type,
		Queue:                 v.Queue,
		Status:                v.Status,
		Attempts:              v.Attempts,
		MaxAttempts:           v.MaxAttempts,
		LastError:             v.LastError,
		RequiresManualCleanup: v.RequiresManualCleanup,
	}
	if withSteps {
		for _, s := range v.StepResults {
			out.Steps = append(out.Steps, stepOutput{Name: s.Name, Status: s.Status, Attempts: s.Attempts, Error: s.Error})
		}
	}
	return out
}

// GetJobsCmd returns the jobs command
func GetJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage provisioning jobs",
	}
	jobsCmd.AddCommand(enqueueJobCmd(), getJobCmd(), listJobsCmd(), retryJobCmd(), cancelJobCmd())
	return jobsCmd
}

func enqueueJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a provisioning job",
		Example: `  provisioner-cli jobs enqueue -t hosting -r sub-123 -k order-123 \
    -p '{"domain":"example.com","plan":"basic","username":"jdoe","contact_email":"jdoe@example.com"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resourceType, _ := cmd.Flags().GetString("resource-type")
			resourceID, _ := cmd.Flags().GetString("resource-id")
			payload, _ := cmd.Flags().GetString("payload")
			payloadFile, _ := cmd.Flags().GetString("payload-file")
			key, _ := cmd.Flags().GetString("idempotency-key")
			priority, _ := cmd.Flags().GetInt("priority")
			delay, _ := cmd.Flags().GetString("delay")

			raw, err := readPayload(payload, payloadFile)
			if err != nil {
				return err
			}

			id, err := apiClient.EnqueueJob(context.Background(), types.EnqueueJobRequest{
				ResourceType:   resourceType,
				ResourceID:     resourceID,
				Payload:        raw,
				IdempotencyKey: key,
				Priority:       priority,
				Delay:          delay,
			})
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) {
					if dup, ok := apiErr.Duplicate(); ok {
						return fmt.Errorf("job %s is already active for idempotency key %q", dup.ExistingJobID, dup.IdempotencyKey)
					}
				}
				return fmt.Errorf("error enqueueing job: %w", err)
			}
			return printJSON(cmd, map[string]uuid.UUID{"job_id": id})
		},
	}
	cmd.Flags().StringP("resource-type", "t", "", "Resource type (hosting, cloudpod) or job type (e.g. CLOUDPOD_RESIZE)")
	cmd.Flags().StringP("resource-id", "r", "", "Id of the resource the job works on")
	cmd.Flags().StringP("payload", "p", "", "Job payload as a JSON object")
	cmd.Flags().StringP("payload-file", "f", "", "Read the JSON payload from a file")
	cmd.Flags().StringP("idempotency-key", "k", "", "Reject the job while another active job has this key")
	cmd.Flags().Int("priority", 0, "Higher priorities are leased first")
	cmd.Flags().String("delay", "", "Do not run the job before this delay has passed (e.g. 10m)")
	_ = cmd.MarkFlagRequired("resource-type")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	cmd.MarkFlagsOneRequired("payload", "payload-file")
	return cmd
}

func readPayload(payload, file string) (json.RawMessage, error) {
	raw := []byte(payload)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error reading payload file: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func jobIDFlag(cmd *cobra.Command) (uuid.UUID, error) {
	s, _ := cmd.Flags().GetString("id")
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return id, nil
}

func addIDFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("id", "i", "", "Job ID")
	_ = cmd.MarkFlagRequired("id")
}

func getJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a job with its step results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := jobIDFlag(cmd)
			if err != nil {
				return err
			}

			job, err := apiClient.GetJob(context.Background(), id)
			if err != nil {
				return fmt.Errorf("error fetching job: %w", err)
			}
			return printJSON(cmd, toJobOutput(job, true))
		},
	}
	addIDFlag(cmd)
	return cmd
}

func listJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, e.g. the dead-letter view with --status dead_lettered",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := client.ListJobsOptions{}
			opts.Queue, _ = cmd.Flags().GetString("queue")
			opts.Type, _ = cmd.Flags().GetString("type")
			opts.Status, _ = cmd.Flags().GetString("status")
			opts.Limit, _ = cmd.Flags().GetInt("limit")
			opts.Offset, _ = cmd.Flags().GetInt("offset")

			response, err := apiClient.ListJobs(context.Background(), opts)
			if err != nil {
				return fmt.Errorf("error fetching jobs: %w", err)
			}

			output := jobListOutput{
				Jobs:  make([]jobOutput, len(response.Rows)),
				Total: response.Pagination.Total,
			}
			for i, job := range response.Rows {
				output.Jobs[i] = toJobOutput(job, false)
			}
			return printJSON(cmd, output)
		},
	}
	cmd.Flags().StringP("queue", "q", "", "Filter jobs by queue")
	cmd.Flags().StringP("type", "t", "", "Filter jobs by job type")
	cmd.Flags().String("status", "", "Filter jobs by status")
	cmd.Flags().IntP("limit", "l", 0, "Limit the number of jobs returned")
	cmd.Flags().Int("offset", 0, "Skip this many jobs")
	return cmd
}

func retryJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-queue a failed or dead-lettered job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := jobIDFlag(cmd)
			if err != nil {
				return err
			}

			job, err := apiClient.RetryJob(context.Background(), id)
			if err != nil {
				return fmt.Errorf("error retrying job: %w", err)
			}
			return printJSON(cmd, toJobOutput(job, false))
		},
	}
	addIDFlag(cmd)
	return cmd
}

func cancelJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending job or request cancellation of a running one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := jobIDFlag(cmd)
			if err != nil {
				return err
			}

			job, err := apiClient.CancelJob(context.Background(), id)
			if err != nil {
				return fmt.Errorf("error cancelling job: %w", err)
			}
			return printJSON(cmd, toJobOutput(job, false))
		},
	}
	addIDFlag(cmd)
	return cmd
}
