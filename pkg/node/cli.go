package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/peerbank"
)

// Client is what the interactive shell drives. Node implements it.
type Client interface {
	KeyExchange(ctx context.Context, username string) error
	SendText(ctx context.Context, to, text string) (*message.StoredMessage, error)
	Retry(ctx context.Context, id int64) error
	Conversation(ctx context.Context, username string) ([]ConversationLine, error)
	Contacts(ctx context.Context) ([]message.Contact, error)
	CreateGroup(ctx context.Context, name string, members []string) (*message.Group, error)
	SendGroupMessage(ctx context.Context, name, text string) error
	Groups(ctx context.Context) ([]*message.Group, error)
	GroupStatus(ctx context.Context, name string) (*GroupStatus, error)
	Chain(ctx context.Context, name string) ([]message.Block, error)
	Peers() []peerbank.PeerInfo
	NetworkPeers() []NetworkPeer
	ConnectPeer(ctx context.Context, addr string) error
}

var _ Client = (*Node)(nil)

const usage = `Commands:
  /exchange <user>               - Exchange public keys with a user
  /msg <user> <text>             - Send an encrypted message to a contact
  /retry <id>                    - Send a failed message again
  /messages <user>               - Show the conversation with a contact
  /contacts                      - List all contacts
  /group-create <name> <users..> - Create a group with some contacts
  /group <name> <text>           - Send a message to a group
  /groups                        - List your groups
  /chain <name>                  - Show the blocks of a group
  /peers                         - List pooled and network peers
  /connect <addr>                - Connect to a specific peer
  /help                          - Show this help
  /quit                          - Exit
`

// CLI is the line-oriented shell.
type CLI struct {
	client Client
	out    io.Writer
}

func NewCLI(client Client, out io.Writer) *CLI {
	return &CLI{client: client, out: out}
}

// Run reads commands from in until /quit, EOF or ctx is cancelled.
func (c *CLI) Run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(c.out, "\n✅ Encrypted P2P messenger started!\n%s\n> ", usage)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out, "\n🔌 Shutting down...")
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if !c.Exec(ctx, line) {
				fmt.Fprintln(c.out, "🔌 Shutting down...")
				return nil
			}
			fmt.Fprint(c.out, "> ")
		}
	}
}

// Exec runs one command line. It returns false when the shell should exit.
func (c *CLI) Exec(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit":
		return false

	case "/help":
		fmt.Fprint(c.out, usage)

	case "/exchange":
		if rest == "" {
			fmt.Fprintln(c.out, "Usage: /exchange <user>")
			break
		}
		if err := c.client.KeyExchange(ctx, rest); err != nil {
			fmt.Fprintf(c.out, "❌ Key exchange failed: %v\n", err)
		} else {
			fmt.Fprintf(c.out, "🔑 Exchanged keys with %s\n", rest)
		}

	case "/msg":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			fmt.Fprintln(c.out, "Usage: /msg <user> <text>")
			break
		}
		sm, err := c.client.SendText(ctx, to, strings.TrimSpace(text))
		if err != nil {
			fmt.Fprintf(c.out, "❌ Failed to send message: %v\n", err)
		} else {
			fmt.Fprintf(c.out, "📤 Queued message #%d to %s\n", sm.ID, to)
		}

	case "/retry":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			fmt.Fprintln(c.out, "Usage: /retry <id>")
			break
		}
		if err := c.client.Retry(ctx, id); err != nil {
			fmt.Fprintf(c.out, "❌ Retry failed: %v\n", err)
		} else {
			fmt.Fprintf(c.out, "🔁 Message #%d queued again\n", id)
		}

	case "/messages":
		if rest == "" {
			fmt.Fprintln(c.out, "Usage: /messages <user>")
			break
		}
		lines, err := c.client.Conversation(ctx, rest)
		if err != nil {
			fmt.Fprintf(c.out, "❌ Could not load messages: %v\n", err)
			break
		}
		fmt.Fprintf(c.out, "--- Conversation with %s ---\n", rest)
		for _, l := range lines {
			fmt.Fprintf(c.out, "[%s] #%d %s: %s (%s)\n", time.UnixMilli(l.CreatedAt).Format("15:04"), l.ID, l.From, l.Text, l.Status)
		}
		fmt.Fprintln(c.out, "--- End of conversation ---")

	case "/contacts":
		contacts, err := c.client.Contacts(ctx)
		if err != nil {
			fmt.Fprintf(c.out, "❌ Could not load contacts: %v\n", err)
			break
		}
		if len(contacts) == 0 {
			fmt.Fprintln(c.out, "No contacts yet. Use /exchange <user> to add one.")
			break
		}
		fmt.Fprintln(c.out, "Contacts:")
		for _, ct := range contacts {
			fmt.Fprintf(c.out, "  - %s (%s)\n", ct.Username, ct.Name)
		}

	case "/group-create":
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "Usage: /group-create <name> <user> [user...]")
			break
		}
		g, err := c.client.CreateGroup(ctx, fields[0], fields[1:])
		if err != nil {
			fmt.Fprintf(c.out, "❌ Failed to create group: %v\n", err)
		} else {
			fmt.Fprintf(c.out, "👥 Created group %s with %d members\n", g.Name, len(g.Members))
		}

	case "/group":
		name, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			fmt.Fprintln(c.out, "Usage: /group <name> <text>")
			break
		}
		if err := c.client.SendGroupMessage(ctx, name, strings.TrimSpace(text)); err != nil {
			fmt.Fprintf(c.out, "❌ Failed to send group message: %v\n", err)
		}

	case "/groups":
		groups, err := c.client.Groups(ctx)
		if err != nil {
			fmt.Fprintf(c.out, "❌ Could not load groups: %v\n", err)
			break
		}
		if len(groups) == 0 {
			fmt.Fprintln(c.out, "No groups. Use /group-create to start one.")
			break
		}
		fmt.Fprintln(c.out, "Groups:")
		for _, g := range groups {
			status, err := c.client.GroupStatus(ctx, g.Name)
			if err != nil || status.Group.CreatedAt != g.CreatedAt {
				fmt.Fprintf(c.out, "  - %s (%d members)\n", g.Name, len(g.Members)+len(g.Admins))
				continue
			}
			creator := status.Creator
			if creator == "" {
				creator = "none"
			}
			fmt.Fprintf(c.out, "  - %s (%d members) %s, block creator: %s\n", g.Name, len(g.Members)+len(g.Admins), status.State, creator)
		}

	case "/chain":
		if rest == "" {
			fmt.Fprintln(c.out, "Usage: /chain <name>")
			break
		}
		blocks, err := c.client.Chain(ctx, rest)
		if err != nil {
			fmt.Fprintf(c.out, "❌ Could not load chain: %v\n", err)
			break
		}
		fmt.Fprintf(c.out, "--- %s: %d blocks ---\n", rest, len(blocks))
		for _, b := range blocks {
			fmt.Fprintf(c.out, "#%d %s\n", b.Serial, shortHash(b.Hash))
			for _, m := range b.Messages {
				fmt.Fprintf(c.out, "  [%s] %s: %s\n", time.UnixMilli(m.CreatedAt).Format("15:04"), m.SenderUsername, m.Message)
			}
		}
		fmt.Fprintln(c.out, "--- End of chain ---")

	case "/peers":
		pooled := c.client.Peers()
		fmt.Fprintf(c.out, "📊 %d pooled connections\n", len(pooled))
		for _, p := range pooled {
			fmt.Fprintf(c.out, "  - %s (%s) errors: %d, in use: %d\n", p.Username, shortHash(p.PeerID), p.Errors, p.InUse)
		}
		network := c.client.NetworkPeers()
		connected := 0
		for _, p := range network {
			if p.Connected {
				connected++
			}
		}
		fmt.Fprintf(c.out, "📊 Network: %d connected, %d known peers\n", connected, len(network))

	case "/connect":
		if rest == "" {
			fmt.Fprintln(c.out, "Usage: /connect <multiaddr>")
			break
		}
		if err := c.client.ConnectPeer(ctx, rest); err != nil {
			fmt.Fprintf(c.out, "❌ Connection failed: %v\n", err)
		} else {
			fmt.Fprintln(c.out, "✅ Connected successfully")
		}

	default:
		fmt.Fprintf(c.out, "Unknown command %q, type /help\n", cmd)
	}
	return true
}

func shortHash(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
