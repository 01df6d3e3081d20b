package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL    string
	credential   string
	outputFormat string
	cfgFile      string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "detectctl",
	Short: "CLI for the detectd orchestration server",
	Long:  `detectctl is a command line interface for submitting and managing video detection jobs on a detectd server.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.detectd/config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "detectd API URL (default from config or http://localhost:8090)")
	rootCmd.PersistentFlags().StringVar(&credential, "credential", "", "API credential owner.secret (default from config or DETECTD_CREDENTIAL)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".detectd")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("credential", "DETECTD_CREDENTIAL")
	viper.BindEnv("server_url", "DETECTD_SERVER")

	// Config file is optional; the env bindings work without it
	_ = viper.ReadInConfig()

	if credential == "" {
		credential = viper.GetString("credential")
	}
	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}

	if serverURL == "" {
		serverURL = "http://localhost:8090"
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns the HTTP client used for API calls
func GetHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// CreateAuthenticatedRequest creates an HTTP request with the
// Authorization header set when a credential is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	return req, nil
}
