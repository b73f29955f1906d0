// ABOUTME: Optional tailnet node that serves the agent console privately
// ABOUTME: The widget API stays on the public listener; agent routes move off it

package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/support-gateway/internal/config"
)

const defaultConsolePort = 80

// tailnetStateDir picks where the node keeps its keys: the configured
// directory, else under XDG_DATA_HOME, else ~/.local/share.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "support-gateway", "tailnet"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailnet state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "support-gateway", "tailnet"), nil
}

// tailnetAuthKey returns the configured key, falling back to TS_AUTHKEY.
// An empty result means the node logs a login URL on first start.
func tailnetAuthKey(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv("TS_AUTHKEY")
}

func consoleListenAddr(port int) string {
	if port <= 0 {
		port = defaultConsolePort
	}
	return ":" + strconv.Itoa(port)
}

// consoleURL describes where agents reach the console, preferring the
// MagicDNS name over the first tailnet IP.
func consoleURL(status *ipnstate.Status, port int) string {
	host := ""
	if status != nil && status.Self != nil {
		host = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	if host == "" && status != nil && len(status.TailscaleIPs) > 0 {
		host = status.TailscaleIPs[0].String()
	}
	if host == "" {
		return ""
	}
	if port <= 0 {
		port = defaultConsolePort
	}
	if port == defaultConsolePort {
		return "http://" + host
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// startTailnet brings the node up and returns the console listener.
func (g *Gateway) startTailnet(ctx context.Context, tsCfg config.TailscaleConfig) (net.Listener, error) {
	stateDir, err := tailnetStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailnet state dir: %w", err)
	}

	authKey := tailnetAuthKey(tsCfg.AuthKey)
	if authKey == "" {
		g.logger.Warn("no tailscale auth key; watch the log for a login URL")
	}

	node := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		UserLogf: func(format string, args ...any) {
			g.logger.Info(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}

	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, fmt.Errorf("starting tailnet node %q: %w", tsCfg.Hostname, err)
	}

	ln, err := node.Listen("tcp", consoleListenAddr(tsCfg.ConsolePort))
	if err != nil {
		_ = node.Close()
		return nil, fmt.Errorf("listening for agent console on tailnet: %w", err)
	}

	g.tailnet = node
	g.logger.Info("agent console on tailnet",
		"hostname", tsCfg.Hostname,
		"url", consoleURL(status, tsCfg.ConsolePort),
		"ephemeral", tsCfg.Ephemeral)
	return ln, nil
}
