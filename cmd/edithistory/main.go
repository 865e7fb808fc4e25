package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/edithistory/internal/client"
	"github.com/MarcoPoloResearchLab/edithistory/internal/config"
	"github.com/MarcoPoloResearchLab/edithistory/internal/formatting"
	"github.com/MarcoPoloResearchLab/edithistory/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "edithistory",
		Short:         "Message edit history service and viewers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newShowCommand(),
		newBrowseCommand(),
		newPostCommand(),
		newEditCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("history.page_size"), "Edits requested per page")
	cmd.PersistentFlags().Int("format-workers", defaults.GetInt("history.format_workers"), "Revisions formatted concurrently")
	cmd.PersistentFlags().String("master-key", "", "Base64 master key for encrypted rooms (overrides env)")
	cmd.PersistentFlags().String("base-url", defaults.GetString("client.base_url"), "API base URL used by client commands")
	cmd.PersistentFlags().Duration("timeout", defaults.GetDuration("client.timeout"), "HTTP timeout used by client commands")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "history.page_size", "page-size")
	bindFlag(cmd, "history.format_workers", "format-workers")
	bindFlag(cmd, "crypto.master_key", "master-key")
	bindFlag(cmd, "client.base_url", "base-url")
	bindFlag(cmd, "client.timeout", "timeout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type appRuntime struct {
	config config.AppConfig
	logger *zap.Logger
}

func loadRuntime() (appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return appRuntime{}, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return appRuntime{}, err
	}
	return appRuntime{config: appConfig, logger: logger}, nil
}

func (r appRuntime) keyRing() (*formatting.KeyRing, error) {
	if r.config.MasterKey == "" {
		return nil, nil
	}
	return formatting.NewKeyRingFromBase64(r.config.MasterKey)
}

func (r appRuntime) formatter() (*formatting.Formatter, error) {
	keys, err := r.keyRing()
	if err != nil {
		return nil, err
	}
	return formatting.NewFormatter(formatting.Config{Keys: keys, Logger: r.logger}), nil
}

func (r appRuntime) client() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL: r.config.ClientBaseURL,
		Timeout: r.config.ClientTimeout,
		Logger:  r.logger,
	})
}
