package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	waveline "github.com/waveline-im/waveline-go"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open an interactive chat with a peer",
	Long: `Open an interactive terminal chat. Type to send; slash commands:

  /older              load older history
  /edit <id> <text>   edit a message
  /react <id> <kind>  react (like, love, haha, wow, sad, angry, okay)
  /retry <tag>        retry a failed send
  /quit               exit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client := getClient()
		self := getSelfID()

		rt := client.Realtime(waveline.RealtimeConfig{
			AutoReconnect: true,
			Logger:        logger,
		})
		if err := rt.Connect(cmd.Context()); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer rt.Disconnect()

		eng := waveline.NewEngine(rt, client, waveline.EngineConfig{
			SelfID: self,
			Logger: logger,
		})
		defer eng.Close()

		r := newChatRenderer(self)
		off := eng.OnUpdate(r.render)
		defer off()

		eng.Open(peer)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				eng.SendMessage(line, 0)
				continue
			}
			if done := runChatCommand(eng, line); done {
				return nil
			}
		}
		return scanner.Err()
	},
}

// runChatCommand executes one slash command; returns true on /quit.
func runChatCommand(eng *waveline.Engine, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/q":
		return true
	case "/older":
		eng.LoadOlder()
	case "/retry":
		if len(fields) != 2 {
			fmt.Println("usage: /retry <tag>")
			break
		}
		eng.RetrySend(fields[1])
	case "/edit":
		if len(fields) < 3 {
			fmt.Println("usage: /edit <id> <new text>")
			break
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("bad message id")
			break
		}
		eng.EditMessage(id, strings.Join(fields[2:], " "))
	case "/react":
		if len(fields) != 3 {
			fmt.Println("usage: /react <id> <kind>")
			break
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("bad message id")
			break
		}
		if err := eng.AddReaction(id, waveline.ReactionKind(fields[2])); err != nil {
			fmt.Println(err)
		}
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

// ============================================================================
// Renderer
// ============================================================================

// chatRenderer turns read-model snapshots into incremental terminal output.
// It tracks what was already printed so each snapshot only emits the delta.
type chatRenderer struct {
	self waveline.UserID

	mu         sync.Mutex
	historyOut bool
	lastMaxID  int64
	pendings   map[string]waveline.MessageStatus
	typing     bool
}

func newChatRenderer(self waveline.UserID) *chatRenderer {
	return &chatRenderer{self: self, pendings: make(map[string]waveline.MessageStatus)}
}

func (r *chatRenderer) render(s waveline.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.LoadError != nil {
		fmt.Printf("-- history load failed: %v (retry with /older)\n", s.LoadError)
	}

	if !r.historyOut {
		if s.State != waveline.ConvReady {
			return
		}
		for i := range s.Messages {
			printMessage(&s.Messages[i], r.self)
			if s.Messages[i].ID > r.lastMaxID {
				r.lastMaxID = s.Messages[i].ID
			}
		}
		r.historyOut = true
		fmt.Println("-- ready --")
		return
	}

	for i := range s.Messages {
		m := &s.Messages[i]
		if m.ID > r.lastMaxID {
			printMessage(m, r.self)
			r.lastMaxID = m.ID
			delete(r.pendings, m.ClientTag)
			continue
		}
		if m.ID == 0 {
			prev, known := r.pendings[m.ClientTag]
			if !known {
				fmt.Printf("      …  you  %s\n", m.Content)
			} else if prev != m.Status && m.Status == waveline.StatusFailed {
				fmt.Printf("-- send failed, /retry %s\n", m.ClientTag)
			}
			r.pendings[m.ClientTag] = m.Status
		}
	}

	if s.PeerTyping != r.typing {
		r.typing = s.PeerTyping
		if r.typing {
			fmt.Println("-- peer is typing…")
		}
	}
}
