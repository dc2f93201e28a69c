package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/logship/internal/config"
)

var (
	cfgFile    string
	envFile    string
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "logship",
	Short: "logship - durable log shipping to an HTTP bulk listener",
	Long: `logship buffers log records in a local on-disk queue and ships them in
bulk to an HTTP listener, retrying transient failures and surviving restarts.

Records come from stdin (one per line) or from an NSQ topic.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.logship.yaml)")
	pf.StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default .env if present)")
	pf.BoolVar(&outputJSON, "json", false, "output in JSON format")
	pf.String("url", "", "listener base URL")
	pf.String("token", "", "listener account token")
	pf.String("type", "", "log type sent with every bulk")
	pf.String("buffer-dir", "", "durable queue directory")
	pf.Duration("drain-interval", 0, "delay between drains")
	pf.Int("fs-percent-threshold", 0, "used disk percent at which records are dropped, -1 disables")
	pf.Bool("debug", false, "emit shipper debug diagnostics")

	// Bind flags to viper
	for _, name := range []string{"json", "url", "token", "type", "buffer-dir", "drain-interval", "fs-percent-threshold", "debug"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".logship")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// loadConfig builds the effective configuration: dotenv, then the
// environment, then the config file and flags on top.
func loadConfig() (config.Config, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	if err := config.LoadDotEnv(files...); err != nil {
		return config.Config{}, err
	}
	cfg := config.FromEnv()
	applyOverrides(&cfg, viper.GetViper())
	return cfg, nil
}

// applyOverrides copies every key explicitly set in v onto cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	s := &cfg.Shipper
	if v.IsSet("url") {
		s.URL = v.GetString("url")
	}
	if v.IsSet("token") {
		s.Token = v.GetString("token")
	}
	if v.IsSet("type") {
		s.Type = v.GetString("type")
	}
	if v.IsSet("buffer-dir") {
		s.BufferDir = v.GetString("buffer-dir")
	}
	if v.IsSet("drain-interval") {
		s.DrainInterval = v.GetDuration("drain-interval")
	}
	if v.IsSet("fs-percent-threshold") {
		s.FSPercentThreshold = v.GetInt("fs-percent-threshold")
	}
	if v.IsSet("debug") {
		s.Debug = v.GetBool("debug")
	}
	if v.IsSet("http-port") {
		cfg.HTTPPort = v.GetString("http-port")
	}
	if v.IsSet("grpc-port") {
		cfg.GRPCPort = v.GetString("grpc-port")
	}
	if v.IsSet("nsq-topic") {
		cfg.Source.NSQTopic = v.GetString("nsq-topic")
	}
	if v.IsSet("stdin") {
		cfg.Source.Stdin = v.GetBool("stdin")
	}
	if v.IsSet("wrap-json") {
		cfg.Source.WrapJSON = v.GetBool("wrap-json")
	}
}

// maskToken keeps only the last four characters of a secret.
func maskToken(t string) string {
	if len(t) <= 4 {
		return strings.Repeat("*", len(t))
	}
	return strings.Repeat("*", len(t)-4) + t[len(t)-4:]
}

// printOutput prints v as indented JSON, or with %+v when JSON is off.
func printOutput(w io.Writer, v any) {
	if !outputJSON {
		fmt.Fprintf(w, "%+v\n", v)
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

func durationString(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	return d.String()
}
