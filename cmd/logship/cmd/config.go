package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/logship/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage logship configuration",
	Long:  `Inspect and initialise logship configuration.`,
}

type configView struct {
	URL                string `json:"url"`
	Token              string `json:"token"`
	Type               string `json:"type"`
	BufferDir          string `json:"buffer_dir"`
	DrainInterval      string `json:"drain_interval"`
	FSPercentThreshold int    `json:"fs_percent_threshold"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectTimeout     string `json:"connect_timeout"`
	ShutdownTimeout    string `json:"shutdown_timeout"`
	Debug              bool   `json:"debug"`
	HTTPPort           string `json:"http_port"`
	GRPCPort           string `json:"grpc_port,omitempty"`
	NSQTopic           string `json:"nsq_topic,omitempty"`
	Stdin              bool   `json:"stdin"`
	DeadLetterNSQ      bool   `json:"dead_letter_nsq"`
	DeadLetterArchive  bool   `json:"dead_letter_archive"`
	ConfigFile         string `json:"config_file,omitempty"`
}

func newConfigView(cfg config.Config) configView {
	s := cfg.Shipper
	return configView{
		URL:                s.URL,
		Token:              maskToken(s.Token),
		Type:               s.Type,
		BufferDir:          s.BufferDir,
		DrainInterval:      durationString(s.DrainInterval),
		FSPercentThreshold: s.FSPercentThreshold,
		SocketTimeout:      durationString(s.SocketTimeout),
		ConnectTimeout:     durationString(s.ConnectTimeout),
		ShutdownTimeout:    durationString(s.ShutdownTimeout),
		Debug:              s.Debug,
		HTTPPort:           cfg.HTTPPort,
		GRPCPort:           cfg.GRPCPort,
		NSQTopic:           cfg.Source.NSQTopic,
		Stdin:              cfg.Source.Stdin,
		DeadLetterNSQ:      cfg.DeadLetter.PublishNSQ,
		DeadLetterArchive:  cfg.DeadLetter.DSN != "",
		ConfigFile:         viper.ConfigFileUsed(),
	}
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the effective configuration",
	Long:  `Display the configuration logship would run with, token masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v := newConfigView(cfg)
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, v)
			return nil
		}

		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Listener URL: %s\n", v.URL)
		fmt.Fprintf(out, "  Token: %s\n", v.Token)
		fmt.Fprintf(out, "  Type: %s\n", v.Type)
		fmt.Fprintf(out, "  Buffer dir: %s\n", v.BufferDir)
		fmt.Fprintf(out, "  Drain interval: %s\n", v.DrainInterval)
		if v.FSPercentThreshold == config.DisabledThreshold {
			fmt.Fprintln(out, "  Disk threshold: disabled")
		} else {
			fmt.Fprintf(out, "  Disk threshold: %d%%\n", v.FSPercentThreshold)
		}
		fmt.Fprintf(out, "  Timeouts: connect %s, socket %s, shutdown %s\n", v.ConnectTimeout, v.SocketTimeout, v.ShutdownTimeout)
		fmt.Fprintf(out, "  Debug: %v\n", v.Debug)
		if v.ConfigFile != "" {
			fmt.Fprintf(out, "  Config file: %s\n", v.ConfigFile)
		} else {
			fmt.Fprintln(out, "  Config file: none (using environment and defaults)")
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(out, "  Problem: %v\n", err)
		}
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath := filepath.Join(home, ".logship.yaml")

		// Check if config file already exists
		if _, err := os.Stat(configPath); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
			}
		}

		if err := writeDefaultConfig(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", configPath)
		return nil
	},
}

func writeDefaultConfig(path string) error {
	def := config.FromEnv().Shipper
	v := viper.New()
	v.Set("url", def.URL)
	v.Set("type", def.Type)
	v.Set("buffer-dir", def.BufferDir)
	v.Set("drain-interval", def.DrainInterval.String())
	v.Set("fs-percent-threshold", def.FSPercentThreshold)
	v.Set("debug", false)
	v.Set("json", false)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configInitCmd)

	// Flags for init command
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
