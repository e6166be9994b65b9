package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/config"
	"github.com/youruser/streamchat/internal/logging"
	"github.com/youruser/streamchat/internal/room"
	"github.com/youruser/streamchat/internal/session"
	"github.com/youruser/streamchat/internal/stream"
	"github.com/youruser/streamchat/internal/turn"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

var log = logging.Get()

var (
	configPath  string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:           "streamchat",
	Short:         "Terminal chat client with streamed responses",
	Version:       versionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/streamchat/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}
	var buildTime string
	for _, setting := range info.Settings {
		if setting.Key == "vcs.time" {
			buildTime = setting.Value
		}
	}
	if buildTime != "" {
		log.Info("Build: %s; go=%s; time=%s", versionString(), runtime.Version(), buildTime)
		return
	}
	log.Info("Build: %s; go=%s", versionString(), runtime.Version())
}

func main() {
	defer log.Close()
	logBuildInfo()

	if err := rootCmd.Execute(); err != nil {
		log.Error("%v", err)
		fmt.Fprintln(os.Stderr, "Error: "+errorMessage(err))
		os.Exit(1)
	}
}

// loadConfig reads --config when given, otherwise the default locations,
// and applies --metrics-addr.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, nil
}

// errorMessage turns err into the line shown to the user.
func errorMessage(err error) string {
	var (
		serverErr *chat.ServerError
		netErr    *api.NetworkError
		readErr   *stream.NetworkError
	)
	switch {
	case errors.Is(err, session.ErrQuotaExceeded):
		return "Free message limit reached. Run `streamchat login` to keep chatting."
	case errors.Is(err, api.ErrAuthRequired):
		return "Sign in required. Run `streamchat login`."
	case errors.Is(err, turn.ErrTurnInProgress):
		return "A response is already streaming"
	case errors.Is(err, turn.ErrEmptyMessage):
		return "Message is empty"
	case errors.Is(err, room.ErrBusy):
		return "Cannot change rooms while a response is streaming"
	case errors.Is(err, room.ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, room.ErrRoomNameEmpty):
		return "Room name cannot be empty"
	case errors.Is(err, room.ErrNoActiveRoom):
		return "No active room"
	case errors.As(err, &serverErr):
		return "Server error: " + serverErr.Message
	case errors.As(err, &readErr):
		return "Connection lost while streaming"
	case errors.As(err, &netErr):
		return "Cannot reach the server: " + netErr.Err.Error()
	case errors.Is(err, config.ErrNoConfig):
		return "Config file not found: " + configPath
	case errors.Is(err, config.ErrInvalidTransport), errors.Is(err, config.ErrInvalidConfig):
		return err.Error()
	default:
		return err.Error()
	}
}
