// Package cmd wires the talkrelay command line.
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/talkrelay/internal/config"
	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/watcher"
)

const envPrefix = "TALKRELAY"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "talkrelay",
	Short: "Relay speech between an AI assistant and a human",
	Long: `talkrelay carries text between an AI assistant and a human.

The assistant talks through the MCP "speech_response" tool, which posts its
text to the relay and waits for the human to answer. The human side (a
browser or any HTTP client) pulls pending assistant messages and posts
replies.

  talkrelay serve    run the HTTP relay
  talkrelay mcp      run the stdio MCP tool server`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/talkrelay/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (or set TALKRELAY_DEBUG=1)")
}

// configPaths is the config lookup order: an explicit --config file, then
// .talkrelay/config.yaml in the working directory, then the user config.
type configPaths struct {
	explicit string
	local    string
	user     string
}

func defaultConfigPaths(explicit string) configPaths {
	paths := configPaths{
		explicit: explicit,
		local:    filepath.Join(".talkrelay", "config.yaml"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths.user = filepath.Join(home, ".config", "talkrelay", "config.yaml")
	}
	return paths
}

// newViper returns a viper instance carrying the defaults and the
// TALKRELAY_* environment bindings.
func newViper() *viper.Viper {
	v := viper.New()
	d := config.Defaults()
	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.allowed_origins", d.API.AllowedOrigins)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("relay.retention", d.Relay.Retention)
	v.SetDefault("relay.idempotency_ttl", d.Relay.IdempotencyTTL)
	v.SetDefault("tool.api_endpoint", d.Tool.APIEndpoint)
	v.SetDefault("tool.poll_interval", d.Tool.PollInterval)
	v.SetDefault("tool.max_wait", d.Tool.MaxWait)
	v.SetDefault("tool.request_timeout", d.Tool.RequestTimeout)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.path", d.Log.Path)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// API_ENDPOINT is what MCP host configs for the tool usually set.
	_ = v.BindEnv("tool.api_endpoint", "TALKRELAY_TOOL_API_ENDPOINT", "TALKRELAY_API_ENDPOINT", "API_ENDPOINT")
	_ = v.BindEnv("log.debug", "TALKRELAY_LOG_DEBUG", "TALKRELAY_DEBUG")
	return v
}

// loadConfig reads the first config file found in paths into v and returns
// the decoded, validated config. When no file exists anywhere, a default is
// written to the user config path. A missing explicit file is an error.
func loadConfig(v *viper.Viper, paths configPaths) (config.Config, error) {
	var out config.Config

	path := resolveConfigFile(paths)
	if path == "" && paths.user != "" {
		if err := config.WriteDefaultConfig(paths.user); err == nil {
			path = paths.user
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return out, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&out); err != nil {
		return out, fmt.Errorf("decoding config: %w", err)
	}
	if out.Tracing.FilePath == "" {
		out.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("invalid config: %w", err)
	}
	return out, nil
}

func resolveConfigFile(paths configPaths) string {
	if paths.explicit != "" {
		return paths.explicit
	}
	for _, p := range []string{paths.local, paths.user} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var (
	activeViper *viper.Viper
	cleanupFns  []func()
)

func initConfig() error {
	v := newViper()
	loaded, err := loadConfig(v, defaultConfigPaths(cfgFile))
	if err != nil {
		return err
	}
	if debugFlag {
		loaded.Log.Debug = true
	}
	cfg = loaded
	activeViper = v
	return nil
}

// initLogging installs the process logger. Logs go to cfg.Log.Path when set,
// otherwise to stderr; stdout is reserved for the stdio MCP transport.
func initLogging(c config.Config) error {
	var cleanup func()
	if c.Log.Path != "" {
		fn, err := log.Init(c.Log.Path)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		cleanup = fn
	} else {
		cleanup = log.InitWriter(logOutput)
	}
	log.SetMinLevel(logLevel(c.Log.Debug))
	cleanupFns = append(cleanupFns, cleanup)
	return nil
}

// logOutput is swapped in tests.
var logOutput io.Writer = os.Stderr

func logLevel(debug bool) log.Level {
	if debug {
		return log.LevelDebug
	}
	return log.LevelInfo
}

// watchConfig re-reads the config file on change. The log level applies
// live; everything else needs a restart. base is the config as loaded from
// the file, before any command-line overrides, so an override never reads
// as a file change. The watcher tracks its own copy and never touches cfg.
func watchConfig(base config.Config) {
	if activeViper == nil {
		return
	}
	path := activeViper.ConfigFileUsed()
	if path == "" {
		return
	}
	w, err := watcher.New(watcher.Config{Path: path})
	if err != nil {
		log.Warn(log.CatConfig, "Config watch unavailable", "path", path, "error", err)
		return
	}
	changes, err := w.Start()
	if err != nil {
		log.Warn(log.CatConfig, "Config watch unavailable", "path", path, "error", err)
		return
	}
	cleanupFns = append(cleanupFns, func() { _ = w.Stop() })

	go func() {
		current := base
		for range changes {
			current = applyConfigChange(path, current)
		}
	}()
}

// applyConfigChange loads path and compares it with prev. It returns the
// config the watcher should compare the next change against.
func applyConfigChange(path string, prev config.Config) config.Config {
	next, err := loadConfig(newViper(), configPaths{explicit: path})
	if err != nil {
		log.Warn(log.CatConfig, "Ignoring config change", "path", path, "error", err)
		return prev
	}
	if debugFlag {
		next.Log.Debug = true
	}
	if next.Log.Debug != prev.Log.Debug {
		log.SetMinLevel(logLevel(next.Log.Debug))
		log.Info(log.CatConfig, "Log level changed", "debug", next.Log.Debug)
	}
	if restartNeeded(prev, next) {
		log.Info(log.CatConfig, "Config changed; restart to apply", "path", path)
	}
	return next
}

// restartNeeded reports whether anything other than the log level differs.
func restartNeeded(prev, next config.Config) bool {
	a, errA := config.Marshal(withoutLogLevel(prev))
	b, errB := config.Marshal(withoutLogLevel(next))
	if errA != nil || errB != nil {
		return true
	}
	return string(a) != string(b)
}

func withoutLogLevel(c config.Config) config.Config {
	c.Log.Debug = false
	return c
}

func runCleanup() {
	for i := len(cleanupFns) - 1; i >= 0; i-- {
		cleanupFns[i]()
	}
	cleanupFns = nil
}

// Execute runs the root command.
func Execute() error {
	defer runCleanup()
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// SetVersion sets the version reported by --version and the MCP handshake.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
