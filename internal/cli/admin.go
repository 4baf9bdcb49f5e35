package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/pkg/client"
)

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish TOPIC [PAYLOAD]",
		Short: "Publish an envelope through a running daemon",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			priority, _ := cmd.Flags().GetString("priority")
			dest, _ := cmd.Flags().GetString("destination")
			meta, _ := cmd.Flags().GetStringToString("meta")

			var payload any
			if len(args) == 2 {
				if !envelope.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[1])
			}
			var opts []client.ClientOption
			if source != "" {
				opts = append(opts, client.WithSource(source))
			}
			pubOpts := []client.PublishOption{client.WithPriority(priority)}
			if dest != "" {
				pubOpts = append(pubOpts, client.WithDestination(dest))
			}
			if len(meta) > 0 {
				pubOpts = append(pubOpts, client.WithMetadata(meta))
			}

			id, err := apiClient(cmd, opts...).Publish(cmd.Context(), args[0], payload, pubOpts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().String("source", "", "source service name")
	cmd.Flags().String("priority", "normal", "low|normal|high|critical")
	cmd.Flags().String("destination", "", "deliver only to this service")
	cmd.Flags().StringToString("meta", nil, "metadata key=value pairs")
	return cmd
}

func newServicesCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "services", Short: "Service registry operations"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := apiClient(cmd).Services(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, s := range svcs {
				fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\n", s.Name, s.Status, s.Host, s.Port,
					s.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}

	register := &cobra.Command{
		Use:   "register NAME HOST PORT",
		Short: "Register a service",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var port int
			if _, err := fmt.Sscanf(args[2], "%d", &port); err != nil {
				return fmt.Errorf("invalid port %q", args[2])
			}
			routes, _ := cmd.Flags().GetStringSlice("route")
			health, _ := cmd.Flags().GetString("health")
			svc, err := apiClient(cmd).RegisterService(cmd.Context(), client.ServiceRegistration{
				Name: args[0], Host: args[1], Port: port, HealthEndpoint: health, Routes: routes,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), svc)
		},
	}
	register.Flags().StringSlice("route", nil, "route prefix served by the service (repeatable)")
	register.Flags().String("health", "", "health endpoint path")

	deregister := &cobra.Command{
		Use:   "deregister NAME",
		Short: "Mark a service inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiClient(cmd).DeregisterService(cmd.Context(), args[0])
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve NAME",
		Short: "Print the base URL a service resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := apiClient(cmd).ServiceURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}

	probe := &cobra.Command{
		Use:   "probe NAME",
		Short: "Health-check a service over the bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := apiClient(cmd).Probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), hs)
		},
	}

	cmd.AddCommand(list, register, deregister, resolve, probe)
	return cmd
}

func newDeliveriesCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "deliveries", Short: "Pending and failed deliveries"}

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List deliveries awaiting a retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := apiClient(cmd).Pending(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ps)
		},
	}

	failed := &cobra.Command{
		Use:   "failed",
		Short: "List abandoned deliveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			var (
				fs  []client.FailedDelivery
				err error
			)
			if drain, _ := cmd.Flags().GetBool("drain"); drain {
				fs, err = apiClient(cmd).DrainFailed(cmd.Context(), limit)
			} else {
				fs, err = apiClient(cmd).FailedDeliveries(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, f := range fs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", f.EnvelopeID, f.Topic, f.Priority, f.Attempts,
					strings.ReplaceAll(f.Reason, "\n", " "))
			}
			return nil
		},
	}
	failed.Flags().Int("limit", 0, "maximum entries (0 = server default, or all when draining)")
	failed.Flags().Bool("drain", false, "remove the returned entries")

	cmd.AddCommand(pending, failed)
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print broker statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := apiClient(cmd).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}
