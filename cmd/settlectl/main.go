// Command settlectl is the operator CLI for the settlement service. Local
// commands (canonical hashing, keys, signing, Merkle roots, policy and grant
// evaluation) need no server; remote commands talk to settled through
// pkg/client.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/nexus-settlement/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "settlectl",
	Short: "Nexus settlement operator CLI",
	Long: `settlectl works with settlement artifacts locally and drives a
settled server remotely.

Remote commands authenticate with --tenant and --api-key (exchanged for a
short-lived token) or with a ready --token.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.settlectl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("settlectl")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.settlectl/config.yaml)")
	pf.String("server", "http://localhost:8080", "settled base URL")
	pf.String("tenant", "", "tenant id for API key authentication")
	pf.String("api-key", "", "tenant API key")
	pf.String("token", "", "bearer token; overrides --api-key")
	pf.String("key-dir", "keys", "directory holding signing.key and signing.pub")
	pf.String("issuer", "nexus-settlement", "ops token issuer")
	for _, name := range []string{"server", "tenant", "api-key", "token", "key-dir", "issuer"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the settlectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("settlectl", version)
	},
}

// newClient builds a client from flags, config and environment.
func newClient() (*client.Client, error) {
	var opts []client.Option
	if t := viper.GetString("token"); t != "" {
		opts = append(opts, client.WithBearerToken(t))
	} else if k := viper.GetString("api-key"); k != "" {
		opts = append(opts, client.WithAPIKey(viper.GetString("tenant"), k))
	}
	return client.New(viper.GetString("server"), opts...)
}

// readInput reads a file argument, or stdin when the argument is "-" or
// absent.
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return b, nil
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
