// Package cmd parse args to configure application.
package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"ringlink/metric"
	"ringlink/relay"
)

// Run starts the application.
func Run() {
	config, metricConfig, err := SetupConfig(os.Stdout, os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	setupLogger(config.Debug)

	metrics := metric.New(metricConfig)
	metrics.RegisterMetrics()
	metrics.Start()
	metrics.UpdateSystemMetrics()

	r := relay.New(config, metrics)
	if err = r.Start(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

// setupLogger configures the global zerolog logger.
func setupLogger(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// SetupConfig sets up and returns the configuration.
func SetupConfig(w io.Writer, args []string) (relay.Config, metric.Config, error) {
	config, metricConfig, err := Parse(w, args)
	if err != nil {
		return config, metricConfig, err
	}
	if err = config.Validate(); err != nil {
		return config, metricConfig, err
	}
	return config, metricConfig, nil
}

// Parse parses the command line arguments. When a config file is given, it
// fills the fields that were not set on the command line.
func Parse(w io.Writer, args []string) (relay.Config, metric.Config, error) {
	con := relay.Config{}
	met := metric.Config{}
	var configFile string

	fs := flag.NewFlagSet("ringlink", flag.ContinueOnError)
	fs.SetOutput(w)
	fs.StringVar(&configFile, "config", "", "config file path")
	fs.IntVar(&con.Port, "port", relay.DefaultPort, "listening port")
	fs.BoolVar(&con.Debug, "debug", false, "debug mode")
	fs.StringVar(&con.KeyFile, "key", "", "key file path")
	fs.StringVar(&con.CertFile, "cert", "", "cert file path")
	fs.IntVar(&met.Port, "metric-port", metric.DefaultMetricsPort, "metrics listening port")
	fs.StringVar(&met.Path, "metric-path", metric.DefaultMetricsPath, "metrics endpoint path")

	if err := fs.Parse(args); err != nil {
		return relay.Config{}, metric.Config{}, fmt.Errorf("failed to parse args: %w", err)
	}

	if fs.NArg() != 0 {
		return relay.Config{}, metric.Config{}, errors.New("some args are not parsed")
	}

	if configFile != "" {
		if err := loadFile(configFile, fs, &con, &met); err != nil {
			return relay.Config{}, metric.Config{}, err
		}
	}

	return con, met, nil
}

// loadFile reads the YAML config file. Command line flags take precedence
// over file values.
func loadFile(path string, fs *flag.FlagSet, con *relay.Config, met *metric.Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["port"] && v.IsSet("port") {
		con.Port = v.GetInt("port")
	}
	if !set["debug"] && v.IsSet("debug") {
		con.Debug = v.GetBool("debug")
	}
	if !set["key"] && v.IsSet("key_file") {
		con.KeyFile = v.GetString("key_file")
	}
	if !set["cert"] && v.IsSet("cert_file") {
		con.CertFile = v.GetString("cert_file")
	}
	if !set["metric-port"] && v.IsSet("metric.port") {
		met.Port = v.GetInt("metric.port")
	}
	if !set["metric-path"] && v.IsSet("metric.path") {
		met.Path = v.GetString("metric.path")
	}
	return nil
}
