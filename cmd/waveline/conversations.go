package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	waveline "github.com/waveline-im/waveline-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool

	messagesLimit  int
	messagesOffset int
	messagesJSON   bool

	usersJSON bool

	onlineTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 20, "number of messages to fetch")
	messagesCmd.Flags().IntVar(&messagesOffset, "offset", 0, "offset back from the newest message")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(usersCmd)
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(onlineCmd)
	onlineCmd.Flags().DurationVar(&onlineTimeout, "timeout", 5*time.Second, "how long to wait for the presence snapshot")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self := getSelfID()

		feed, err := client.LatestMessages(cmd.Context())
		if err != nil {
			return err
		}

		if conversationsJSON {
			return json.NewEncoder(os.Stdout).Encode(feed)
		}

		if len(feed) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, row := range feed {
			marker := " "
			if row.UnreadCount > 0 {
				marker = fmt.Sprintf("(%d)", row.UnreadCount)
			}
			preview := row.Content
			if row.SenderID == self {
				preview = "you: " + preview
			}
			fmt.Printf("%-6d %-16s %-4s %s\n", row.PeerID, row.Username, marker, preview)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <peer-id>",
	Short: "Print recent messages with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client := getClient()
		self := getSelfID()

		msgs, err := client.Messages(cmd.Context(), peer, messagesLimit, messagesOffset)
		if err != nil {
			return err
		}

		if messagesJSON {
			return json.NewEncoder(os.Stdout).Encode(msgs)
		}

		// The server returns newest first; print oldest first.
		for i := len(msgs) - 1; i >= 0; i-- {
			printMessage(&msgs[i], self)
		}
		return nil
	},
}

func printMessage(m *waveline.Message, self waveline.UserID) {
	who := "them"
	if m.Own(self) {
		who = "you"
	}
	suffix := ""
	if m.IsEdited {
		suffix += " (edited)"
	}
	if m.Own(self) && m.IsSeen {
		suffix += " ✓✓"
	}
	if n := m.Reactions.Count(); n > 0 {
		suffix += fmt.Sprintf(" [%d reactions]", n)
	}
	if m.ReplyToMessageID != 0 {
		fmt.Printf("%8d  %-4s ↩ %q: %s%s\n", m.ID, who, m.ReplyContent, m.Content, suffix)
		return
	}
	fmt.Printf("%8d  %-4s %s%s\n", m.ID, who, m.Content, suffix)
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List known users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		users, err := client.Users(cmd.Context())
		if err != nil {
			return err
		}
		if usersJSON {
			return json.NewEncoder(os.Stdout).Encode(users)
		}
		for _, u := range users {
			fmt.Printf("%-6d %s\n", u.UID, u.Username)
		}
		return nil
	},
}

// ============================================================================
// online
// ============================================================================

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Show which users are currently online",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(cmd.Context(), onlineTimeout)
		defer cancel()

		users, err := client.OnlineUsers(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("Nobody online.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%d\n", u)
		}
		return nil
	},
}
