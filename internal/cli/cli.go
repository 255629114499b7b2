package cli

import (
	"context"
	"fmt"

	"vetdesk/internal/app"
	"vetdesk/internal/clock"
	"vetdesk/internal/config"
	"vetdesk/internal/domain"

	"github.com/spf13/cobra"
)

// CaseDesk is the operator surface used by the cases commands.
type CaseDesk interface {
	List(ctx context.Context, statuses ...domain.Status) ([]domain.EmergencyCase, error)
	ListActive(ctx context.Context) ([]domain.EmergencyCase, error)
	Get(ctx context.Context, caseID string) (domain.EmergencyCase, error)
	Stats(ctx context.Context) (domain.Stats, error)
	SubmitResponse(ctx context.Context, caseID, responder, text string) (domain.EmergencyCase, error)
}

// Runtime supplies the service and desk behind the commands.
type Runtime struct {
	// Serve runs the service until ctx ends or a signal arrives.
	Serve func(ctx context.Context, source config.ConfigSource) error
	// OpenDesk returns a desk and its closer.
	OpenDesk func(source config.ConfigSource) (CaseDesk, func() error, error)
}

// DefaultRuntime wires commands to the real service.
func DefaultRuntime() Runtime {
	return Runtime{
		Serve: func(ctx context.Context, source config.ConfigSource) error {
			service, err := app.NewService(source, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			return service.Run(ctx)
		},
		OpenDesk: func(source config.ConfigSource) (CaseDesk, func() error, error) {
			operator, err := app.OpenOperator(source, clock.RealClock{})
			if err != nil {
				return nil, nil, err
			}
			if operator.Backend() == config.StoreMemory {
				_ = operator.Close()
				return nil, nil, fmt.Errorf("store.backend=memory keeps cases inside the serve process; use sqlite, postgres or nats")
			}
			return operator.Desk(), operator.Close, nil
		},
	}
}

// NewRootCmd builds the vetdesk command tree.
// Params: runtime used by subcommands.
// Returns: root cobra command.
func NewRootCmd(rt Runtime) *cobra.Command {
	root := &cobra.Command{
		Use:           "vetdesk",
		Short:         "Livestock emergency escalation desk",
		Long:          "Escalates emergency advisories to an expert veterinary group and relays their answers to farmers.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config-file", "", "path to one TOML config file")
	root.PersistentFlags().String("config-dir", "", "path to directory with TOML config fragments")

	root.AddCommand(newServeCmd(rt), newCasesCmd(rt))
	return root
}

// configSource reads the persistent config flags.
func configSource(cmd *cobra.Command) (config.ConfigSource, error) {
	file, _ := cmd.Flags().GetString("config-file")
	dir, _ := cmd.Flags().GetString("config-dir")
	return config.FromCLI(file, dir)
}

func newServeCmd(rt Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the escalation service",
		Long: `Run advisory intake, the expert group listener and the farmer notifier
according to service.role.

Examples:
  vetdesk serve --config-file vetdesk.toml
  vetdesk serve --config-dir /etc/vetdesk/conf.d`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := configSource(cmd)
			if err != nil {
				return err
			}
			return rt.Serve(cmd.Context(), source)
		},
	}
}
