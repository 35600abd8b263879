package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/chatrelay/internal/client"
)

var guestCmd = &cobra.Command{
	Use:   "guest",
	Short: "Create a guest identity and remember it",
	Long: `Ask the relay for a new guest identity. The token and guest id are
stored in the session file and used by later commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := apiClient.CreateGuest(cmd.Context())
		if err != nil {
			return fmt.Errorf("create guest: %w", err)
		}
		if err := session.Set(sessionTokenKey, g.Token); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		if err := session.Set(sessionGuestKey, g.ID); err != nil {
			return fmt.Errorf("save guest id: %w", err)
		}
		// A new identity cannot see the previous one's conversation.
		if err := session.Delete(client.ActiveChatKey); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Guest %s\n", g.ID)
		return nil
	},
}
