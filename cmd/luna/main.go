package main

import (
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/luna/cmd/luna/cmds"
	"github.com/go-go-golems/luna/pkg/locations"
	"github.com/go-go-golems/luna/pkg/settings"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "luna",
	Short: "luna holds persistent conversations with large language models in your terminal",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// the flags are parsed now, so --log-level and co can apply
		return initConfig(cmd)
	},
	SilenceUsage: true,
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initLogger() error {
	return InitLogger(&logConfig{
		Level:      viper.GetString("log-level"),
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
}

func initConfig(cmd *cobra.Command) error {
	// a missing .env is fine
	_ = godotenv.Load()

	viper.SetEnvPrefix("luna")
	settings.SetDefaults(viper.GetViper())

	configPath := viper.GetString("config")
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName(locations.ConfigName)
		viper.AddConfigPath(".")
		if dir, err := locations.ConfigDirectory(); err == nil {
			viper.AddConfigPath(dir)
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, defaults and environment only
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := initLogger(); err != nil {
		return err
	}

	log.Debug().
		Str("config", viper.ConfigFileUsed()).
		Msg("Loaded configuration")
	return nil
}

func InitLogger(config *logConfig) error {
	if config.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}
	// default is text on stderr
	var logWriter io.Writer
	if config.LogFormat == "json" {
		logWriter = os.Stderr
	} else {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, //days
					Compress:   false,
				},
			})
	}

	log.Logger = log.Output(logWriter)

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to the config file")
	pf.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")
	pf.String("log-file", "", "Also write logs to this file, rotated")
	pf.Bool("with-caller", false, "Log caller")
	pf.String("database", "", "SQLite database file (default ~/.local/share/luna/luna.sqlite)")
	pf.String("default-model", "", "Model id or name new turns use")

	// --config has to be known before the config file is read
	_ = viper.BindPFlag("config", pf.Lookup("config"))

	rootCmd.AddCommand(
		cmds.NewChatCommand(),
		cmds.NewListCommand(),
		cmds.NewShowCommand(),
		cmds.NewResetCommand(),
		cmds.NewModelsCommand(),
	)
}
