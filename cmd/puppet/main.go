package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/nspawnrunner/pkg/controlsocket"
	"github.com/cuemby/nspawnrunner/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "puppet",
	Short: "In-container agent that consults the runner over the control socket",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.Flags().String("unix-seqpacket-control-socket", "", "Path to the runner's control socket (required)")
	rootCmd.Flags().String("authorized-keys-file", "", "Path to write the job's authorized SSH keys to (required)")
	rootCmd.Flags().String("network-config-script", "", "Optional script to invoke with the job's network configuration")
	_ = rootCmd.MarkFlagRequired("unix-seqpacket-control-socket")
	_ = rootCmd.MarkFlagRequired("authorized-keys-file")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func run(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("unix-seqpacket-control-socket")
	keysFile, _ := cmd.Flags().GetString("authorized-keys-file")
	networkScript, _ := cmd.Flags().GetString("network-config-script")

	client, err := controlsocket.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer client.Shutdown()

	if err := writeAuthorizedKeys(client, keysFile); err != nil {
		return err
	}

	if networkScript != "" {
		if err := runNetworkConfigScript(client, networkScript); err != nil {
			log.Logger.Warn().Err(err).Msg("puppet: network config script reported an error")
		}
	}

	if err := client.ReportReady(); err != nil {
		return fmt.Errorf("report ready: %w", err)
	}
	log.Logger.Info().Msg("puppet: ready")

	waitForSignal()

	log.Logger.Info().Msg("puppet: shutting down")
	return nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	<-sigCh
}

func writeAuthorizedKeys(client *controlsocket.Client, keysFile string) error {
	keys, err := client.GetSSHKeys()
	if err != nil {
		return fmt.Errorf("request ssh keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keysFile), 0o755); err != nil {
		return fmt.Errorf("create authorized keys directory: %w", err)
	}
	content := strings.Join(keys, "\n")
	if len(keys) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(keysFile, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write authorized keys file: %w", err)
	}
	return nil
}

func runNetworkConfigScript(client *controlsocket.Client, script string) error {
	cfg, err := client.GetNetworkConfig()
	if err != nil {
		return fmt.Errorf("request network config: %w", err)
	}
	if cfg == nil {
		cfg = &controlsocket.NetworkConfigResp{}
	}

	env := os.Environ()
	env = append(env, "HOSTNAME="+cfg.Hostname)
	if cfg.Interface != "" {
		env = append(env, "INTERFACE="+cfg.Interface)
	}
	if cfg.IPv4 != nil {
		env = append(env,
			"IPV4_ADDRESS="+cfg.IPv4.Address,
			"IPV4_PREFIX_LENGTH="+strconv.Itoa(cfg.IPv4.PrefixLength),
		)
		if cfg.IPv4.Gateway != "" {
			env = append(env, "IPV4_GATEWAY="+cfg.IPv4.Gateway)
		}
		if len(cfg.IPv4.Nameservers) > 0 {
			env = append(env, "IPV4_NAMESERVERS="+strings.Join(cfg.IPv4.Nameservers, "|"))
		}
	}
	if cfg.IPv6 != nil {
		env = append(env,
			"IPV6_ADDRESS="+cfg.IPv6.Address,
			"IPV6_PREFIX_LENGTH="+strconv.Itoa(cfg.IPv6.PrefixLength),
		)
		if cfg.IPv6.Gateway != "" {
			env = append(env, "IPV6_GATEWAY="+cfg.IPv6.Gateway)
		}
		if len(cfg.IPv6.Nameservers) > 0 {
			env = append(env, "IPV6_NAMESERVERS="+strings.Join(cfg.IPv6.Nameservers, "|"))
		}
	}

	scriptCmd := exec.Command(script)
	scriptCmd.Env = env
	scriptCmd.Stdout = os.Stdout
	scriptCmd.Stderr = os.Stderr

	err = scriptCmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("run network config script: %w", err)
	}
	if exitErr.ProcessState.ExitCode() >= 0 {
		return fmt.Errorf("network config script exited with status %d", exitErr.ProcessState.ExitCode())
	}
	return fmt.Errorf("network config script terminated by signal: %v", exitErr.ProcessState)
}
