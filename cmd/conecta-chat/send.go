package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joelkehle/conecta-chat/internal/chatclient"
)

var sendCmd = &cobra.Command{
	Use:   "send [message...]",
	Short: "Send a message to a conversation through a running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server := v.GetString("server")
		identity := v.GetString("identity")
		conversation := v.GetString("conversation")
		if strings.TrimSpace(conversation) == "" {
			return fmt.Errorf("--conversation is required")
		}
		c := chatclient.NewClient(server, identity)
		m, err := c.SendMessage(cmd.Context(), conversation, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent message_id=%s at=%s\n", m.ID, m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

func init() {
	sendCmd.Flags().String("server", "http://localhost:8080", "Base URL of the conecta-chat server")
	sendCmd.Flags().String("identity", "", "Acting identity id")
	sendCmd.Flags().String("conversation", "", "Conversation (contract) id")
	rootCmd.AddCommand(sendCmd)
}
