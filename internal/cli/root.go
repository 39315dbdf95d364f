package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	serverURLKey    = "server_url"
	playerNameKey   = "player_name"
	identityFileKey = "identity_file"
)

var rootCmd = &cobra.Command{
	Use:   "heist",
	Short: "Client for The Heist cooperative session server",
	Long: `heist joins, creates, or resumes a cooperative Heist session and keeps a
live local mirror of its state: stage progress, the shared countdown, player
roster, and timer votes. Identity is persisted so an interrupted session can
be resumed instead of re-joined.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.heist.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8000", "game server base URL")
	rootCmd.PersistentFlags().String("name", "", "player display name")
	rootCmd.PersistentFlags().String("identity-file", "", "path for persisted session identity")

	viper.BindPFlag(serverURLKey, rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag(playerNameKey, rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag(identityFileKey, rootCmd.PersistentFlags().Lookup("identity-file"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".heist")
	}

	viper.SetEnvPrefix("heist")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
		}
	}
}

func identityPath() string {
	if p := viper.GetString(identityFileKey); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".heist-identity.yaml"
	}
	return filepath.Join(home, ".heist", "identity.yaml")
}
