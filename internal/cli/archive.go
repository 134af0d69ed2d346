package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/transitlab/ticketctl/internal/daemon"
	"github.com/transitlab/ticketctl/internal/domain"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "List archived records straight from the store",
		Long: `Open the configured store read-side and print archived records in
append order. Works whether or not a server is running.`,
		Args: cobra.NoArgs,
		RunE: runArchive,
	}
	cmd.Flags().Int64("card", 0, "Only records for this card number")
	return cmd
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	card, _ := cmd.Flags().GetInt64("card")

	store, err := daemon.OpenStore(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListArchive(cmd.Context(), card)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No archived records.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ARCHIVED AT\tCARD\tPASSENGER\tTYPE\tSTATUS\tTRANSACTIONS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ArchivedAt, r.CardNumber, r.PassengerName, r.CardType, r.Status,
			domain.JoinCell(r.TransactionIDs))
	}
	return w.Flush()
}
