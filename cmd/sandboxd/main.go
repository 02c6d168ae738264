package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/sandboxd/pkg/audit"
	"github.com/cuemby/sandboxd/pkg/capability"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/policy"
	"github.com/cuemby/sandboxd/pkg/snapshot"
	"github.com/cuemby/sandboxd/pkg/supervisor"
	"github.com/cuemby/sandboxd/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Sandboxd - Multi-tenant code-sandboxing supervisor",
	Long: `Sandboxd runs untrusted guest jobs inside isolated execution workers,
mediates file, network, and import operations against a declarative
policy, and enforces CPU/memory quotas with forcible termination.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sandboxd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("audit-db", "", "Path to the audit log database (disabled if empty)")
	rootCmd.PersistentFlags().Int("warm-pool", 0, "Number of pre-started workers to keep warm")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(shutdownCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// configureSupervisor replaces the default process-wide Supervisor with one
// built from the root flags, returning it along with the audit log (which
// the caller must close) when one was requested.
func configureSupervisor() (*supervisor.Supervisor, *audit.Log, error) {
	warm, _ := rootCmd.PersistentFlags().GetInt("warm-pool")
	auditPath, _ := rootCmd.PersistentFlags().GetString("audit-db")

	var auditLog *audit.Log
	if auditPath != "" {
		var err error
		auditLog, err = audit.Open(auditPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log: %v", err)
		}
	}
	sup := supervisor.Configure(supervisor.Config{WarmPoolSize: warm, AuditLog: auditLog})
	return sup, auditLog, nil
}

func spawnOptionsFromFlags(cmd *cobra.Command) (supervisor.SpawnOptions, error) {
	opts := supervisor.SpawnOptions{}

	if policyPath, _ := cmd.Flags().GetString("policy"); policyPath != "" {
		raw, err := os.ReadFile(policyPath)
		if err != nil {
			return opts, fmt.Errorf("failed to read policy: %v", err)
		}
		pol, err := policy.Compile(raw)
		if err != nil {
			return opts, err
		}
		name, _ := cmd.Flags().GetString("sandbox-policy")
		if name == "" {
			name = "default"
		}
		sb, ok := pol.For(name)
		if !ok {
			return opts, fmt.Errorf("policy has no entry for sandbox '%s'", name)
		}
		opts.Policy = &sb
	}

	if cpuMs, _ := cmd.Flags().GetInt64("cpu-ms"); cpuMs > 0 {
		opts.CPUQuotaMs = &cpuMs
	}
	if memBytes, _ := cmd.Flags().GetInt64("mem-bytes"); memBytes > 0 {
		opts.MemQuotaBytes = &memBytes
	}
	if imports, _ := cmd.Flags().GetStringSlice("imports"); len(imports) > 0 {
		opts.AllowedImports = imports
	}
	if numaNode, _ := cmd.Flags().GetInt("numa-node"); cmd.Flags().Changed("numa-node") {
		opts.NUMANode = &numaNode
	}
	return opts, nil
}

var runCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Spawn a sandbox, run one job inside it, and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, auditLog, err := configureSupervisor()
		if err != nil {
			return err
		}
		if auditLog != nil {
			defer auditLog.Close()
		}

		opts, err := spawnOptionsFromFlags(cmd)
		if err != nil {
			return err
		}

		job, err := jobFromFlags(cmd)
		if err != nil {
			return err
		}

		h, err := sup.Spawn(args[0], opts)
		if err != nil {
			return err
		}
		defer h.Close(5 * time.Second)

		if err := h.Exec(job); err != nil {
			return err
		}
		v, err := h.Recv(30 * time.Second)
		if err != nil {
			return err
		}
		printValue(v)

		if showStats, _ := cmd.Flags().GetBool("stats"); showStats {
			stats := h.Stats()
			fmt.Printf("cpu_ms: %.3f\n", stats.CPUMs)
			fmt.Printf("peak_mem_bytes: %d\n", stats.PeakMemBytes)
			fmt.Printf("operations: %d\n", stats.OpCount)
			fmt.Printf("errors: %d\n", stats.ErrCount)
			fmt.Printf("cost: %.6f\n", stats.Cost())
		}
		return nil
	},
}

func jobFromFlags(cmd *cobra.Command) (worker.Job, error) {
	op, _ := cmd.Flags().GetString("op")
	switch op {
	case "exec":
		source, _ := cmd.Flags().GetString("source")
		return worker.Job{Op: worker.OpExec, Source: source}, nil
	case "fs-read":
		path, _ := cmd.Flags().GetString("path")
		return worker.Job{Op: worker.OpFSRead, Path: path}, nil
	case "fs-write":
		path, _ := cmd.Flags().GetString("path")
		data, _ := cmd.Flags().GetString("data")
		return worker.Job{Op: worker.OpFSWrite, Path: path, Data: []byte(data)}, nil
	case "net-connect":
		addr, _ := cmd.Flags().GetString("addr")
		return worker.Job{Op: worker.OpNetConnect, Addr: addr}, nil
	case "import":
		module, _ := cmd.Flags().GetString("module")
		return worker.Job{Op: worker.OpImport, Module: module}, nil
	case "busy":
		duration, _ := cmd.Flags().GetDuration("duration")
		allocBytes, _ := cmd.Flags().GetInt("alloc-bytes")
		return worker.Job{Op: worker.OpBusy, Busy: worker.BusyWork{Duration: duration, AllocBytes: allocBytes}}, nil
	default:
		return worker.Job{}, fmt.Errorf("unknown op '%s' (want exec, fs-read, fs-write, net-connect, import, or busy)", op)
	}
}

func printValue(v any) {
	switch val := v.(type) {
	case []byte:
		fmt.Println(string(val))
	case nil:
		fmt.Println("ok")
	default:
		fmt.Printf("%v\n", val)
	}
}

var callCmd = &cobra.Command{
	Use:   "call <name> <module.Func> [arg...]",
	Short: "Spawn a sandbox and invoke a registered dotted function inside it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, auditLog, err := configureSupervisor()
		if err != nil {
			return err
		}
		if auditLog != nil {
			defer auditLog.Close()
		}

		opts, err := spawnOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		h, err := sup.Spawn(args[0], opts)
		if err != nil {
			return err
		}
		defer h.Close(5 * time.Second)

		callArgs := make([]any, 0, len(args)-2)
		for _, a := range args[2:] {
			callArgs = append(callArgs, a)
		}
		v, err := h.Call(args[1], callArgs, nil, 30*time.Second)
		if err != nil {
			return err
		}
		printValue(v)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sandboxes in this supervisor process",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, auditLog, err := configureSupervisor()
		if err != nil {
			return err
		}
		if auditLog != nil {
			defer auditLog.Close()
		}
		active := supervisor.ListActive()
		if len(active) == 0 {
			fmt.Println("No active sandboxes")
			return nil
		}
		for name, h := range active {
			stats := h.Stats()
			fmt.Printf("%s\tops=%d errors=%d cpu_ms=%.3f\n", name, stats.OpCount, stats.ErrCount, stats.CPUMs)
		}
		return nil
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Compile and reload declarative sandbox policies",
}

var policyCompileCmd = &cobra.Command{
	Use:   "compile <path>",
	Short: "Compile a policy document and print the validated ruleset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read policy: %v", err)
		}
		pol, err := policy.Compile(raw)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(pol, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var policyRefreshCmd = &cobra.Command{
	Use:   "refresh <path>",
	Short: "Compile a policy document and hot-reload it into the supervisor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, auditLog, err := configureSupervisor()
		if err != nil {
			return err
		}
		if auditLog != nil {
			defer auditLog.Close()
		}
		token, _ := cmd.Flags().GetString("token")
		sup.SetPolicyToken(token)
		if err := policy.Refresh(sup, args[0], token); err != nil {
			return err
		}
		fmt.Println("✓ Policy reloaded")
		return nil
	},
}

var policyRefreshRemoteCmd = &cobra.Command{
	Use:   "refresh-remote <url>",
	Short: "Download a policy document and hot-reload it into the supervisor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, auditLog, err := configureSupervisor()
		if err != nil {
			return err
		}
		if auditLog != nil {
			defer auditLog.Close()
		}
		token, _ := cmd.Flags().GetString("token")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		sup.SetPolicyToken(token)
		if err := policy.RefreshRemote(sup, args[0], token, timeout, maxRetries); err != nil {
			return err
		}
		fmt.Println("✓ Policy downloaded and reloaded")
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <name> <output-file>",
	Short: "Spawn a sandbox, seal its configuration, and write the blob",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, auditLog, err := configureSupervisor()
		if err != nil {
			return err
		}
		if auditLog != nil {
			defer auditLog.Close()
		}

		key, err := keyFromFlag(cmd)
		if err != nil {
			return err
		}
		opts, err := spawnOptionsFromFlags(cmd)
		if err != nil {
			return err
		}

		h, err := sup.Spawn(args[0], opts)
		if err != nil {
			return err
		}
		blob, err := snapshot.Checkpoint(h.Worker(), key, 5*time.Second)
		h.Close(5 * time.Second)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], blob, 0o600); err != nil {
			return fmt.Errorf("failed to write checkpoint: %v", err)
		}
		fmt.Printf("✓ Checkpoint written (%d bytes)\n", len(blob))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <blob-file>",
	Short: "Open a sealed checkpoint and print the restored configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keyFromFlag(cmd)
		if err != nil {
			return err
		}
		blob, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %v", err)
		}
		w, err := snapshot.RestoreWorker(blob, key)
		if err != nil {
			return err
		}
		defer w.Stop(5 * time.Second)

		cfg := w.Snapshot()
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop every active and warm worker with the root capability",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, auditLog, err := configureSupervisor()
		if err != nil {
			return err
		}
		if auditLog != nil {
			defer auditLog.Close()
		}
		if err := supervisor.Shutdown(capability.Root(), 10*time.Second); err != nil {
			return err
		}
		fmt.Println("✓ Supervisor shut down")
		return nil
	},
}

func keyFromFlag(cmd *cobra.Command) ([]byte, error) {
	keyHex, _ := cmd.Flags().GetString("key")
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("key must be hex-encoded: %v", err)
	}
	if len(key) != snapshot.KeySize {
		return nil, fmt.Errorf("key must be %d bytes (%d hex characters)", snapshot.KeySize, snapshot.KeySize*2)
	}
	return key, nil
}

func addSpawnFlags(cmd *cobra.Command) {
	cmd.Flags().String("policy", "", "Path to a declarative policy document")
	cmd.Flags().String("sandbox-policy", "", "Named entry in the policy document to use (defaults to 'default')")
	cmd.Flags().Int64("cpu-ms", 0, "CPU quota in milliseconds (0 = unlimited)")
	cmd.Flags().Int64("mem-bytes", 0, "Memory quota in bytes (0 = unlimited)")
	cmd.Flags().StringSlice("imports", nil, "Allowed top-level module imports")
	cmd.Flags().Int("numa-node", 0, "NUMA node to bind the worker thread to")
}

func init() {
	addSpawnFlags(runCmd)
	runCmd.Flags().String("op", "exec", "Job opcode (exec, fs-read, fs-write, net-connect, import, busy)")
	runCmd.Flags().String("source", "", "Source for the exec op")
	runCmd.Flags().String("path", "", "Path for the fs-read/fs-write ops")
	runCmd.Flags().String("data", "", "Data for the fs-write op")
	runCmd.Flags().String("addr", "", "host:port for the net-connect op")
	runCmd.Flags().String("module", "", "Module name for the import op")
	runCmd.Flags().Duration("duration", time.Second, "Spin duration for the busy op")
	runCmd.Flags().Int("alloc-bytes", 0, "Bytes to hold live during the busy op")
	runCmd.Flags().Bool("stats", false, "Print the worker's accounting stats after the job")

	policyCmd.AddCommand(policyCompileCmd)
	policyCmd.AddCommand(policyRefreshCmd)
	policyCmd.AddCommand(policyRefreshRemoteCmd)
	policyRefreshCmd.Flags().String("token", "", "Shared policy-reload secret")
	policyRefreshRemoteCmd.Flags().String("token", "", "Shared policy-reload secret")
	policyRefreshRemoteCmd.Flags().Duration("timeout", 5*time.Second, "Per-attempt download timeout")
	policyRefreshRemoteCmd.Flags().Int("max-retries", 2, "Extra attempts after a timed-out download")

	addSpawnFlags(callCmd)
	addSpawnFlags(checkpointCmd)
	checkpointCmd.Flags().String("key", "", "32-byte hex-encoded sealing key")
	restoreCmd.Flags().String("key", "", "32-byte hex-encoded sealing key")
}
