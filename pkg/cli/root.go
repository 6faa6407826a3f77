// Package cli implements the hostpulsed command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hostpulse/hostpulse/pkg/config"
	"github.com/hostpulse/hostpulse/pkg/daemon"
	"github.com/hostpulse/hostpulse/pkg/ipc"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

// SetVersion records build metadata injected through ldflags.
func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

type RootCommand struct {
	cmd    *cobra.Command
	socket string
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{}

	cmd := &cobra.Command{
		Use:   "hostpulsed",
		Short: "hostpulsed - local host health daemon",
		Long: `hostpulsed samples host metrics (memory, disk, CPU, pending package
updates), raises deduplicated alerts when thresholds are breached, and
serves a request/response control plane on a local unix socket.`,
	}

	pflags := cmd.PersistentFlags()
	pflags.String("config", "", "Config file path (empty: built-in defaults, no file is read)")
	viper.BindPFlag("config", pflags.Lookup("config"))

	root.cmd = cmd
	root.addSubCommands()

	return root
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(r.newRunCommand())
	r.cmd.AddCommand(r.newVersionCommand())
	r.cmd.AddCommand(r.newCallCommand())
}

func (r *RootCommand) newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := daemon.New(viper.GetString("config"), cliVersion)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}
}

func (r *RootCommand) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (built %s, commit %s)\n", daemon.Name, cliVersion, cliBuildDate, cliGitCommit)
		},
	}
}

func (r *RootCommand) newCallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Send one request to a running daemon",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("parse params: %w", err)
				}
			}

			socketPath := r.socket
			if socketPath == "" {
				cfg, err := config.Load(viper.GetString("config"))
				if err != nil {
					return err
				}
				socketPath = cfg.Daemon.SocketPath
			}

			resp, err := call(socketPath, ipc.Request{Method: args[0], Params: params})
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if !resp.Success {
				return fmt.Errorf("%s (code %d)", resp.Error, resp.Code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&r.socket, "socket", "", "Socket path (default from config)")
	return cmd
}

// call performs the one-request/one-response exchange.
func call(socketPath string, req ipc.Request) (*ipc.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp ipc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Execute runs the CLI.
func Execute() {
	if err := NewRootCommand().cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
