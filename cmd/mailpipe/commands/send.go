package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/pipeline"
)

var (
	sendFrom    string
	sendTo      string
	sendSubject string
	sendText    string
	sendDraft   bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		m := &message.Message{
			From:    sendFrom,
			To:      sendTo,
			Subject: sendSubject,
			Text:    sendText,
		}
		if sendDraft {
			m.Draft = message.Bool(true)
		}

		id, err := p.Send(ctx, m)
		if rej, ok := pipeline.AsRejection(err); ok {
			return fmt.Errorf("rejected: %s", rej.Reason)
		}
		if err != nil {
			return err
		}
		if id != "" {
			fmt.Printf("accepted: %s\n", id)
		} else {
			fmt.Println("delivered")
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "Sender address")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Recipient address")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Message subject")
	sendCmd.Flags().StringVar(&sendText, "text", "", "Plain text body")
	sendCmd.Flags().BoolVar(&sendDraft, "draft", false, "Store as draft")
	rootCmd.AddCommand(sendCmd)
}
