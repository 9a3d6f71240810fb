package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the message queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgs, err := p.Store().List(ctx, store.Filter{})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tFROM\tTO\tSUBJECT")
		for _, m := range msgs {
			state := m.Sent.State.String()
			if m.IsDraft() {
				state = "draft"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, state, m.From, m.To, m.Subject)
		}
		return w.Flush()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stats, err := p.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending:   %d\n", stats.Pending)
		fmt.Printf("claimed:   %d\n", stats.Claimed)
		fmt.Printf("delivered: %d\n", stats.Delivered)
		fmt.Printf("failed:    %d\n", stats.Failed)
		fmt.Printf("drafts:    %d\n", stats.Drafts)
		fmt.Printf("total:     %d\n", stats.Total)
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver every pending message once",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		pending, err := p.Store().List(ctx, store.Pending())
		if err != nil {
			return err
		}

		var delivered, skipped, failed int
		for _, m := range pending {
			id, err := p.Deliver(ctx, m)
			switch {
			case err != nil:
				failed++
				fmt.Fprintf(os.Stderr, "deliver %s: %v\n", m.ID, err)
			case id == "":
				skipped++
			default:
				delivered++
			}
		}
		fmt.Printf("delivered %d, skipped %d, failed %d of %d pending\n",
			delivered, skipped, failed, len(pending))
		return nil
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove delivered and failed records",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		var removed int
		for _, state := range []message.SendState{message.StateDelivered, message.StateFailed} {
			msgs, err := p.Store().List(ctx, store.Filter{StateSet: true, State: state})
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if err := p.Store().Remove(ctx, m.ID); err != nil {
					fmt.Fprintf(os.Stderr, "remove %s: %v\n", m.ID, err)
					continue
				}
				removed++
			}
		}
		fmt.Printf("removed %d terminal records\n", removed)
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a stored message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := p.Store().FindByID(ctx, args[0])
		if err != nil {
			return err
		}
		printMessage(m)
		return nil
	},
}

func printMessage(m *message.Message) {
	fmt.Printf("ID:        %s\n", m.ID)
	fmt.Printf("From:      %s\n", m.From)
	fmt.Printf("To:        %s\n", m.To)
	fmt.Printf("Subject:   %s\n", m.Subject)
	fmt.Printf("Thread:    %s\n", m.ThreadID)
	fmt.Printf("State:     %s\n", m.Sent.State)
	if m.IsDraft() {
		fmt.Printf("Draft:     yes\n")
	}
	if !m.SentAt.IsZero() {
		fmt.Printf("SentAt:    %s\n", m.SentAt.Format(time.RFC3339))
	}
	if m.RejectionMessage != "" {
		fmt.Printf("Rejection: %s\n", m.RejectionMessage)
	}
	if m.Text != "" {
		fmt.Printf("\n%s\n", m.Text)
	}
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueFlushCmd)
	queueCmd.AddCommand(queueShowCmd)
	rootCmd.AddCommand(queueCmd)
}
