// Package cli implements the foreman's command line interface: serve
// starts the coordination engine, submit sends a job over the wire
// protocol and waits for its result, status polls a running foreman for a
// job's current state. Grounded on the teacher's internal/cli (cobra
// command tree, --config flag, SIGINT/SIGTERM graceful shutdown), with the
// gRPC-based enqueue/status client code replaced by a direct client over
// the JSON-over-TCP protocol spec.md §6 defines.
package cli

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crowdcompute/foreman/internal/config"
	"github.com/crowdcompute/foreman/internal/foreman"
	"github.com/crowdcompute/foreman/internal/protocol"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "CrowdCompute Foreman: a distributed task-execution coordination engine",
		Long: `Foreman accepts client job submissions, maintains a worker
registry, schedules tasks to workers, tracks job/task/worker state, and
aggregates ordered results.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the foreman",
		Long:  "Start accepting worker and client connections, dispatching tasks, and serving the admin HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

func runServe() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	f, err := foreman.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build foreman: %w", err)
	}
	if err := f.Start(); err != nil {
		return fmt.Errorf("failed to start foreman: %w", err)
	}

	log.Printf("foreman listening on %s:%d (admin :%d)\n", cfg.BindHost, cfg.Port, cfg.AdminPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("received shutdown signal, stopping gracefully...")
	f.Stop()
	log.Println("foreman stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var addr string
	var funcCodeFile string
	var argsFiles []string
	var priority int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and wait for its result",
		Long:  "Connect to a running foreman, submit a job with the given function blob and one argument blob per task, and print the ordered results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(addr, funcCodeFile, argsFiles, priority, timeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "foreman address")
	cmd.Flags().StringVar(&funcCodeFile, "func", "", "path to the function blob to execute (required)")
	cmd.Flags().StringArrayVar(&argsFiles, "args", nil, "path to one task's argument blob; repeat for multiple tasks")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority, lower runs first")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "job deadline from now; 0 disables it")
	cmd.MarkFlagRequired("func")

	return cmd
}

func submitJob(addr, funcCodeFile string, argsFiles []string, priority int, timeout time.Duration) error {
	funcCode, err := os.ReadFile(funcCodeFile)
	if err != nil {
		return fmt.Errorf("read func blob: %w", err)
	}

	argsList := make([]string, len(argsFiles))
	for i, path := range argsFiles {
		blob, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read args blob %s: %w", path, err)
		}
		argsList[i] = protocol.HexEncode(blob)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	data := protocol.SubmitJobData{
		FuncCode:   protocol.HexEncode(funcCode),
		ArgsList:   argsList,
		TotalTasks: len(argsList),
		Priority:   priority,
	}
	if timeout > 0 {
		data.DeadlineSeconds = timeout.Seconds()
	}

	env, err := protocol.Build(protocol.TypeSubmitJob, "", "", data)
	if err != nil {
		return fmt.Errorf("build submit_job: %w", err)
	}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("send submit_job: %w", err)
	}

	dec := json.NewDecoder(conn)
	var reply protocol.Envelope
	if err := dec.Decode(&reply); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if reply.Type != protocol.TypeJobAccepted {
		return handleUnexpectedReply(&reply)
	}
	var accepted protocol.JobAcceptedData
	if err := reply.DecodeData(&accepted); err != nil {
		return fmt.Errorf("decode job_accepted: %w", err)
	}
	fmt.Println(accepted.JobID)

	for {
		var msg protocol.Envelope
		if err := dec.Decode(&msg); err != nil {
			return fmt.Errorf("read job outcome: %w", err)
		}
		switch msg.Type {
		case protocol.TypeJobResult:
			var result protocol.JobResultData
			if err := msg.DecodeData(&result); err != nil {
				return fmt.Errorf("decode job_result: %w", err)
			}
			for i, hexResult := range result.Results {
				blob, err := protocol.HexDecode(hexResult)
				if err != nil {
					return fmt.Errorf("decode result %d: %w", i, err)
				}
				fmt.Printf("task %d: %s\n", i, blob)
			}
			return nil
		case protocol.TypeJobError:
			return handleUnexpectedReply(&msg)
		}
	}
}

func handleUnexpectedReply(env *protocol.Envelope) error {
	var errData protocol.ErrorData
	if err := env.DecodeData(&errData); err == nil && errData.Kind != "" {
		return fmt.Errorf("%s: %s", errData.Kind, errData.Message)
	}
	var jobErr protocol.JobErrorData
	if err := env.DecodeData(&jobErr); err == nil && jobErr.Kind != "" {
		return fmt.Errorf("job failed (%s), %d task error(s)", jobErr.Kind, len(jobErr.Errors))
	}
	return fmt.Errorf("unexpected reply type %q", env.Type)
}

func buildStatusCommand() *cobra.Command {
	var addr string
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a job's current status",
		Long:  "Connect to a running foreman and print a job's status and per-status task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(addr, jobID)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "foreman address")
	cmd.Flags().StringVar(&jobID, "job", "", "job id to query (required)")
	cmd.MarkFlagRequired("job")

	return cmd
}

func showStatus(addr, jobID string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	env, err := protocol.Build(protocol.TypeGetJobStatus, jobID, "", protocol.GetJobStatusData{})
	if err != nil {
		return fmt.Errorf("build get_job_status: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(env); err != nil {
		return fmt.Errorf("send get_job_status: %w", err)
	}

	var reply protocol.Envelope
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if reply.Type != protocol.TypeJobStatus {
		return handleUnexpectedReply(&reply)
	}
	var status protocol.JobStatusData
	if err := reply.DecodeData(&status); err != nil {
		return fmt.Errorf("decode job_status: %w", err)
	}

	fmt.Printf("job:    %s\n", status.JobID)
	fmt.Printf("status: %s\n", status.Status)
	fmt.Printf("counts: %+v\n", status.Counts)
	return nil
}
