package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/enkore/borgcube/pkg/api"
	"github.com/enkore/borgcube/pkg/config"
	"github.com/enkore/borgcube/pkg/daemon"
	"github.com/enkore/borgcube/pkg/events"
	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/log"
	"github.com/enkore/borgcube/pkg/metrics"
	"github.com/enkore/borgcube/pkg/registry"
	"github.com/enkore/borgcube/pkg/scheduler"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
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
	Use:   "borgcube",
	Short: "BorgCube - backup coordination daemon",
	Long: `BorgCube coordinates pull-mode backups from untrusted clients into
repositories whose keys and contents the clients never see. It runs
schedules, queues and conflict-checks jobs, and proxies every client's
repository access through a per-job policy gateway.`,
	Version: Version,
}

var (
	configPath string
	apiAddr    string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"BorgCube version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/borgcube/config.yml", "config file")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8200", "daemon control API address")

	scheduleCmd.AddCommand(scheduleListCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(scheduleCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordination daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := bootstrap(store, cfg); err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		reg := registry.New()
		machine := job.NewMachine(store, reg, broker, nil)
		creator := job.NewCreator(store, nil, nil)
		sched := scheduler.New(store, creator, broker, nil)

		d := daemon.New(store, machine, sched, broker, reg, nil, daemon.Config{
			TickInterval: time.Duration(cfg.TickInterval),
			LogDir:       filepath.Join(cfg.DataDir, "logs"),
			SocketPath:   cfg.SocketPath,
			Secret:       []byte(cfg.Secret),
			Policies:     cfg.Policies(),
		})
		if err := d.Start(); err != nil {
			return err
		}
		defer d.Stop()

		collector := metrics.NewCollector(store, d)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(store, d, creator, broker)
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(cfg.ListenAddr) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("received %s, shutting down", sig))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve <reverse-path>",
	Short: "Proxy a gateway session over stdio (remote shell entry point)",
	Long: `serve is what a client's constrained remote-shell invocation runs on
the server. Its single argument is the opaque path of a running job's
gateway session. The session itself lives in the daemon process, which
holds the store and repository locks; serve only pipes stdin/stdout
into the daemon's gateway socket.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Log to stderr only; stdout carries the protocol stream.
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: true, Output: os.Stderr})

		conn, err := net.Dial("unix", cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("daemon not reachable at %s: %w", cfg.SocketPath, err)
		}
		defer conn.Close()

		if _, err := fmt.Fprintln(conn, args[0]); err != nil {
			return err
		}
		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("gateway handshake: %w", err)
		}
		if line = strings.TrimSpace(line); line != "OK" {
			return fmt.Errorf("rejected: %s", strings.TrimPrefix(line, "ERR "))
		}

		go func() {
			io.Copy(conn, os.Stdin)
			if uc, ok := conn.(*net.UnixConn); ok {
				uc.CloseWrite()
			}
		}()
		_, err = io.Copy(os.Stdout, r)
		return err
	},
}

var (
	triggerKind   string
	triggerRepo   string
	triggerClient string
	triggerConfig string
	triggerRepair bool
)

func init() {
	triggerCmd.Flags().StringVar(&triggerKind, "kind", "backup", "job kind (backup, restore, check, prune)")
	triggerCmd.Flags().StringVar(&triggerRepo, "repository", "", "repository id")
	triggerCmd.Flags().StringVar(&triggerClient, "client", "", "client hostname (backup/restore)")
	triggerCmd.Flags().StringVar(&triggerConfig, "job-config", "", "job config / retention policy name")
	triggerCmd.Flags().BoolVar(&triggerRepair, "repair", false, "repair mode (check only)")
	triggerCmd.MarkFlagRequired("repository")
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger a job now",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := json.Marshal(map[string]any{
			"kind":       triggerKind,
			"repository": triggerRepo,
			"client":     triggerClient,
			"config":     triggerConfig,
			"repair":     triggerRepair,
		})
		resp, err := http.Post(apiAddr+"/v1/jobs/trigger", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("trigger failed (%s): %s", resp.Status, out)
		}
		var j types.Job
		if err := json.Unmarshal(out, &j); err != nil {
			return err
		}
		fmt.Printf("Job %s created (%s)\n", j.ID, j.Kind)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Post(apiAddr+"/v1/jobs/"+args[0]+"/cancel", "application/json", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("cancel failed (%s): %s", resp.Status, out)
		}
		fmt.Printf("Job %s cancelled\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show daemon statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(apiAddr + "/v1/stats")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("stats failed (%s): %s", resp.Status, out)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, out, "", "  "); err != nil {
			return err
		}
		fmt.Println(pretty.String())
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage schedules",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(apiAddr + "/v1/schedules")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("listing failed (%s): %s", resp.Status, out)
		}
		var payload struct {
			Schedules []*types.Schedule `json:"schedules"`
		}
		if err := json.Unmarshal(out, &payload); err != nil {
			return err
		}
		for _, s := range payload.Schedules {
			fmt.Printf("%-20s %-10s every %d %s, %d actions\n",
				s.ID, s.Name, s.Recurrence.Interval, s.Recurrence.Unit, len(s.Actions))
		}
		return nil
	},
}

// bootstrap upserts configured repositories, clients and schedules
// into the store.
func bootstrap(store storage.Store, cfg *config.Config) error {
	for _, r := range cfg.Repositories {
		repo := r.Repository()
		if existing, err := store.GetRepository(repo.ID); err == nil {
			repo.CreatedAt = existing.CreatedAt
			if err := store.UpdateRepository(repo); err != nil {
				return err
			}
			continue
		}
		repo.CreatedAt = time.Now()
		if err := store.CreateRepository(repo); err != nil {
			return err
		}
	}
	for _, c := range cfg.Clients {
		client := c.Client()
		if _, err := store.GetClient(client.Hostname); err == nil {
			if err := store.DeleteClient(client.Hostname); err != nil {
				return err
			}
		}
		client.CreatedAt = time.Now()
		if err := store.CreateClient(client); err != nil {
			return err
		}
	}
	for _, s := range cfg.Schedules {
		sched := s.Schedule()
		if _, err := store.GetSchedule(sched.ID); err == nil {
			if err := store.UpdateSchedule(sched); err != nil {
				return err
			}
			continue
		}
		if err := store.CreateSchedule(sched); err != nil {
			return err
		}
	}
	return nil
}
