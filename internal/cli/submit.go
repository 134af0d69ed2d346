package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/transitlab/ticketctl/internal/domain"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a ride transaction to a running server",
		Example: `  ticketctl submit --card 555 --name Nino --type student --bus 12
  ticketctl submit --card 555 --name Nino --type student --id T2 --train R1`,
		Args: cobra.NoArgs,
		RunE: runSubmit,
	}
	cmd.Flags().Int64("card", 0, "Card number (required)")
	cmd.Flags().String("name", "", "Passenger name (required)")
	cmd.Flags().String("type", "", "Card type (required)")
	cmd.Flags().String("id", "", "Transaction ID (default: random UUID)")
	cmd.Flags().String("bus", "", "Bus route")
	cmd.Flags().String("train", "", "Train line")
	cmd.Flags().String("timestamp", "", "Client transaction timestamp (default: now)")
	addServerFlag(cmd)
	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ev := domain.TransactionEvent{}
	ev.CardNumber, _ = cmd.Flags().GetInt64("card")
	ev.PassengerName, _ = cmd.Flags().GetString("name")
	ev.CardType, _ = cmd.Flags().GetString("type")
	ev.TransactionID, _ = cmd.Flags().GetString("id")
	ev.Buses, _ = cmd.Flags().GetString("bus")
	ev.Trains, _ = cmd.Flags().GetString("train")
	ev.TransactionTimestamp, _ = cmd.Flags().GetString("timestamp")

	if ev.TransactionID == "" {
		ev.TransactionID = uuid.NewString()
	}
	if ev.TransactionTimestamp == "" {
		ev.TransactionTimestamp = time.Now().Format(time.RFC3339)
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	var resp struct {
		Message    string    `json:"message"`
		ReceiptID  string    `json:"receipt_id"`
		AcceptedAt time.Time `json:"accepted_at"`
	}
	if err := client.do(cmd.Context(), "POST", "/bus_transaction", bytes.NewReader(body), &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Message)
	fmt.Fprintf(out, "  Receipt:     %s\n", resp.ReceiptID)
	fmt.Fprintf(out, "  Transaction: %s\n", ev.TransactionID)
	fmt.Fprintf(out, "  Accepted at: %s\n", resp.AcceptedAt.Local().Format(domain.ArchivedAtLayout))
	return nil
}
