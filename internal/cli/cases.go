package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"vetdesk/internal/domain"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusColors = map[domain.Status]*color.Color{
	domain.StatusPendingReview:    color.New(color.FgYellow),
	domain.StatusAwaitingResponse: color.New(color.FgRed, color.Bold),
	domain.StatusResponseReady:    color.New(color.FgCyan),
	domain.StatusCompleted:        color.New(color.FgGreen),
}

func newCasesCmd(rt Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Inspect and answer emergency cases",
	}
	cmd.AddCommand(newCasesListCmd(rt), newCasesShowCmd(rt), newCasesStatsCmd(rt), newCasesRespondCmd(rt))
	return cmd
}

// withDesk opens the desk for one command and closes it afterwards.
func withDesk(cmd *cobra.Command, rt Runtime, fn func(CaseDesk) error) error {
	source, err := configSource(cmd)
	if err != nil {
		return err
	}
	desk, closeDesk, err := rt.OpenDesk(source)
	if err != nil {
		return fmt.Errorf("open case desk: %w", err)
	}
	defer func() { _ = closeDesk() }()
	return fn(desk)
}

func newCasesListCmd(rt Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases, newest last",
		Long: `List emergency cases.

Examples:
  vetdesk cases list
  vetdesk cases list --active
  vetdesk cases list --status awaiting_response,response_ready`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rawStatus, _ := cmd.Flags().GetString("status")
			active, _ := cmd.Flags().GetBool("active")
			jsonOut, _ := cmd.Flags().GetBool("json")

			statuses, err := parseStatusFlag(rawStatus)
			if err != nil {
				return err
			}
			return withDesk(cmd, rt, func(desk CaseDesk) error {
				var cases []domain.EmergencyCase
				if active {
					cases, err = desk.ListActive(cmd.Context())
				} else {
					cases, err = desk.List(cmd.Context(), statuses...)
				}
				if err != nil {
					return fmt.Errorf("list cases: %w", err)
				}
				if jsonOut {
					return writeJSON(cmd.OutOrStdout(), cases)
				}
				printCaseTable(cmd.OutOrStdout(), cases, time.Now().UTC())
				return nil
			})
		},
	}
	cmd.Flags().String("status", "", "comma-separated statuses to include")
	cmd.Flags().Bool("active", false, "only cases that are not completed")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func newCasesShowCmd(rt Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show one case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			return withDesk(cmd, rt, func(desk CaseDesk) error {
				c, err := desk.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("get case %s: %w", args[0], err)
				}
				if jsonOut {
					return writeJSON(cmd.OutOrStdout(), c)
				}
				printCase(cmd.OutOrStdout(), c)
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func newCasesStatsCmd(rt Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count cases by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDesk(cmd, rt, func(desk CaseDesk) error {
				stats, err := desk.Stats(cmd.Context())
				if err != nil {
					return fmt.Errorf("case stats: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Total:  %d\n", stats.Total)
				fmt.Fprintf(out, "Active: %d\n", stats.Active)
				for _, status := range domain.Statuses {
					fmt.Fprintf(out, "  %-20s %d\n", colorStatus(status), stats.ByStatus[status])
				}
				return nil
			})
		},
	}
}

func newCasesRespondCmd(rt Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "respond <case-id> <advice...>",
		Short: "Record an expert response given outside the group",
		Long: `Record a response on behalf of a vet who answered by phone or in person.
The first accepted response wins; later ones are rejected.

Examples:
  vetdesk cases respond 1A2B3C4D --responder "Dr. Adeyemi" Isolate the herd and call the district vet`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			responder, _ := cmd.Flags().GetString("responder")
			if strings.TrimSpace(responder) == "" {
				return fmt.Errorf("--responder is required")
			}
			text := strings.Join(args[1:], " ")
			return withDesk(cmd, rt, func(desk CaseDesk) error {
				updated, err := desk.SubmitResponse(cmd.Context(), args[0], responder, text)
				if err != nil {
					return fmt.Errorf("respond to case %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Case #%s is %s (responder: %s)\n", updated.CaseID, colorStatus(updated.Status), updated.ResponderIdentity)
				return nil
			})
		},
	}
	cmd.Flags().String("responder", "", "name of the responding vet")
	return cmd
}

func parseStatusFlag(raw string) ([]domain.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var statuses []domain.Status
	for _, part := range strings.Split(raw, ",") {
		status, ok := domain.ParseStatus(part)
		if !ok {
			return nil, fmt.Errorf("invalid status: %s\nValid statuses: pending_review, awaiting_response, response_ready, completed", strings.TrimSpace(part))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func printCaseTable(out io.Writer, cases []domain.EmergencyCase, now time.Time) {
	if len(cases) == 0 {
		fmt.Fprintln(out, "No cases found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSEVERITY\tCATEGORY\tFARMER\tAGE")
	fmt.Fprintln(w, "--\t------\t--------\t--------\t------\t---")
	for _, c := range cases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.CaseID, c.Status, strings.ToUpper(string(c.Severity)), c.Category, c.Farmer.Label(), c.Age(now).Round(time.Second))
	}
	_ = w.Flush()
}

func printCase(out io.Writer, c domain.EmergencyCase) {
	fmt.Fprintf(out, "Case #%s  %s\n", c.CaseID, colorStatus(c.Status))
	fmt.Fprintf(out, "  Category:   %s (%s)\n", c.Category, strings.ToUpper(string(c.Severity)))
	fmt.Fprintf(out, "  Farmer:     %s [%s]\n", c.Farmer.Label(), c.Farmer.ChannelUserID)
	fmt.Fprintf(out, "  Query:      %s\n", c.OriginalQuery)
	fmt.Fprintf(out, "  Created:    %s\n", c.CreatedAt.Format(time.RFC3339))
	if c.PostedAt != nil {
		fmt.Fprintf(out, "  Posted:     %s (ref %s)\n", c.PostedAt.Format(time.RFC3339), c.ExpertChannelRef)
	}
	if c.RespondedAt != nil {
		fmt.Fprintf(out, "  Responded:  %s by %s\n", c.RespondedAt.Format(time.RFC3339), c.ResponderIdentity)
		fmt.Fprintf(out, "  Response:   %s\n", c.ResponseText)
	}
	if c.CompletedAt != nil {
		fmt.Fprintf(out, "  Delivered:  %s\n", c.CompletedAt.Format(time.RFC3339))
	}
}

func colorStatus(status domain.Status) string {
	if c, ok := statusColors[status]; ok {
		return c.Sprint(string(status))
	}
	return string(status)
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
