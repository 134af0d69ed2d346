package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/transitlab/ticketctl/internal/domain"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status CARD_NUMBER",
		Short: "Show the open window of a card",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "Print the raw JSON reply")
	addServerFlag(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	card, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || card <= 0 {
		return fmt.Errorf("card number %q must be a positive integer", args[0])
	}

	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	var raw json.RawMessage
	if err := client.do(cmd.Context(), "GET", "/ticket_control?card_number="+strconv.FormatInt(card, 10), nil, &raw); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		fmt.Fprintln(out, string(raw))
		return nil
	}

	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &msg) == nil && msg.Message != "" {
		fmt.Fprintln(out, msg.Message)
		return nil
	}

	var view domain.StatusView
	if err := json.Unmarshal(raw, &view); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Fprintf(out, "Card %d (%s)\n", view.CardNumber, view.CardType)
	fmt.Fprintf(out, "  Passenger:    %s\n", view.PassengerName)
	fmt.Fprintf(out, "  Status:       %s\n", view.Status)
	fmt.Fprintf(out, "  Transactions: %s\n", domain.JoinCell(view.TransactionIDs))
	fmt.Fprintf(out, "  Buses:        %s\n", domain.JoinCell(view.Buses))
	fmt.Fprintf(out, "  Trains:       %s\n", domain.JoinCell(view.Trains))
	fmt.Fprintf(out, "  Time left:    %ds\n", view.TimeLeft)
	return nil
}
