// Package cli builds the svcbusd command tree.
//
//	svcbusd serve                 run the daemon
//	svcbusd publish TOPIC [JSON]  publish through a running daemon
//	svcbusd services ...          registry operations
//	svcbusd deliveries ...        pending and failed deliveries
//	svcbusd store pending         read the persistence store offline
package cli

import (
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/snehjoshi/svcbus/pkg/client"
)

// NewRoot constructs the root command with every subcommand registered.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "svcbusd",
		Short:         "svcbus service bus daemon and operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("addr", envOr("SVCBUS_ADDR", "http://localhost:8080"), "daemon base URL for client commands")
	root.PersistentFlags().String("api-key", os.Getenv("SVCBUS_API_KEY"), "API key for client commands")
	root.PersistentFlags().String("config", envOr("SVCBUS_CONFIG", "config.yaml"), "path to config file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newPublishCommand())
	root.AddCommand(newServicesCommand())
	root.AddCommand(newDeliveriesCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newStoreCommand())
	return root
}

// apiClient builds an SDK client from the persistent flags.
func apiClient(cmd *cobra.Command, opts ...client.ClientOption) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	if key, _ := cmd.Flags().GetString("api-key"); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(addr, opts...)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
