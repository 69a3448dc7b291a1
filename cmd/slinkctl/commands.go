package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/api"
	"github.com/matheus3301/smartlink/internal/assist"
	"github.com/matheus3301/smartlink/internal/chat"
	"github.com/matheus3301/smartlink/internal/contacts"
	"github.com/matheus3301/smartlink/internal/lock"
	"github.com/matheus3301/smartlink/internal/profile"
)

var commands = map[string]command{
	// Connection
	"status":     {help: "Show daemon and connection status", run: cmdStatus},
	"connect":    {args: "[url]", help: "Open the push channel", run: cmdConnect},
	"disconnect": {help: "Close the push channel", run: cmdDisconnect},

	// Account
	"login":    {args: "<email>", help: "Log in (password from SLINK_PASSWORD or stdin)", min: 1, run: cmdLogin},
	"register": {args: "<email> <username> [display name]", help: "Create an account and log in", min: 2, run: cmdRegister},
	"logout":   {help: "Log out and clear local data", run: cmdLogout},
	"whoami":   {help: "Show the logged-in user", run: cmdWhoAmI},

	// Conversations
	"convs":        {args: "[--cached]", help: "List conversations", run: cmdConversations},
	"conv":         {args: "<conv>", help: "Show one conversation", min: 1, run: cmdConversation},
	"conv-create":  {args: "<user>", help: "Start a direct conversation", min: 1, run: cmdCreateDirect},
	"group-create": {args: "<name> <user>...", help: "Create a group", min: 2, run: cmdCreateGroup},
	"group-add":    {args: "<conv> <user>", help: "Add a group member", min: 2, run: cmdGroupMember(true)},
	"group-remove": {args: "<conv> <user>", help: "Remove a group member", min: 2, run: cmdGroupMember(false)},
	"online":       {args: "<conv>", help: "List participants seen online", min: 1, run: cmdOnline},

	// Messages
	"msgs":    {args: "<conv> [limit] [before-id]", help: "Fetch message history", min: 1, run: cmdMessages},
	"send":    {args: "<conv> <text>...", help: "Send a text message and wait for the ack", min: 2, run: cmdSend},
	"retry":   {args: "<id>", help: "Resend a failed message", min: 1, run: cmdRetry},
	"discard": {args: "<id>", help: "Drop a failed message", min: 1, run: cmdDiscard},
	"read":    {args: "<conv>", help: "Mark a conversation read", min: 1, run: cmdRead},
	"unread":  {args: "<conv>", help: "Count unread messages", min: 1, run: cmdUnread},
	"typing":  {args: "<conv> on|off", help: "Send a typing indicator", min: 2, run: cmdTyping},
	"find":    {args: "<query> [conv]", help: "Search stored messages", min: 1, run: cmdFind},
	"watch":   {args: "[prefix]...", help: "Stream events", long: true, run: cmdWatch},

	// Contacts
	"contacts":  {help: "List contacts", run: cmdContacts},
	"favorites": {help: "List favorite contacts", run: cmdFavorites},
	"favorite":  {args: "<user> on|off", help: "Mark or unmark a favorite", min: 2, run: cmdFavorite},
	"search":    {args: "<query>", help: "Search users", min: 1, run: cmdSearchUsers},
	"requests":  {args: "[pending|accepted|rejected]", help: "List friend requests", run: cmdRequests},
	"request":   {args: "<user|link>", help: "Send a friend request", min: 1, run: cmdSendRequest},
	"accept":    {args: "<id>", help: "Accept a friend request", min: 1, run: cmdResolve(true)},
	"reject":    {args: "<id>", help: "Reject a friend request", min: 1, run: cmdResolve(false)},
	"qr":        {help: "Show your add-friend link as a QR code", run: cmdQR},

	// Assist
	"translate": {args: "<from> <to> <text>...", help: "Translate text", min: 3, run: cmdTranslate},
	"ask":       {args: "<prompt>...", help: "Stream an assistant answer", min: 1, long: true, run: cmdAsk},

	"profiles": {help: "List profiles and their daemons", run: cmdProfiles},
}

func cmdStatus(ctx context.Context, cl *cli, _ []string) error {
	resp, err := cl.c.Status(ctx)
	if err != nil {
		return err
	}
	cl.print(resp, func(w io.Writer) {
		fmt.Fprintf(w, "Profile:       %s\n", resp.Profile)
		fmt.Fprintf(w, "State:         %s (since %s)\n", resp.State, resp.Since.Format(time.RFC3339))
		fmt.Fprintf(w, "Uptime:        %s\n", time.Duration(resp.UptimeMs)*time.Millisecond)
		user := resp.UserID
		if user == "" {
			user = "(logged out)"
		}
		fmt.Fprintf(w, "User:          %s\n", user)
		fmt.Fprintf(w, "Conversations: %d\n", resp.Conversations)
		fmt.Fprintf(w, "Pending sends: %d\n", resp.PendingSends)
		if !resp.LastEventAt.IsZero() {
			fmt.Fprintf(w, "Last event:    %s\n", resp.LastEventAt.Format(time.RFC3339))
		}
	})
	return nil
}

func cmdConnect(ctx context.Context, cl *cli, args []string) error {
	var endpoint string
	if len(args) > 0 {
		endpoint = args[0]
	}
	resp, err := cl.c.Connect(ctx, endpoint)
	if err != nil {
		return err
	}
	cl.print(resp, func(w io.Writer) { fmt.Fprintln(w, resp.State) })
	return nil
}

func cmdDisconnect(ctx context.Context, cl *cli, _ []string) error {
	resp, err := cl.c.Disconnect(ctx)
	if err != nil {
		return err
	}
	cl.print(resp, func(w io.Writer) { fmt.Fprintln(w, resp.State) })
	return nil
}

// password reads SLINK_PASSWORD, or one line from stdin.
func (cl *cli) password() (string, error) {
	if p := os.Getenv("SLINK_PASSWORD"); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(cl.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (cl *cli) printUser(resp *api.UserResponse) {
	cl.print(resp, func(w io.Writer) {
		fmt.Fprintf(w, "%s (%s) id=%s\n", resp.User.Name(), resp.User.Email, resp.User.ID)
		if !resp.ExpiresAt.IsZero() {
			fmt.Fprintf(w, "token expires %s\n", resp.ExpiresAt.Format(time.RFC3339))
		}
	})
}

func cmdLogin(ctx context.Context, cl *cli, args []string) error {
	pw, err := cl.password()
	if err != nil {
		return err
	}
	resp, err := cl.c.Login(ctx, account.LoginRequest{Email: args[0], Password: pw})
	if err != nil {
		return err
	}
	cl.printUser(resp)
	return nil
}

func cmdRegister(ctx context.Context, cl *cli, args []string) error {
	pw, err := cl.password()
	if err != nil {
		return err
	}
	req := account.RegisterRequest{Email: args[0], Username: args[1], Password: pw}
	if len(args) > 2 {
		req.DisplayName = strings.Join(args[2:], " ")
	}
	resp, err := cl.c.Register(ctx, req)
	if err != nil {
		return err
	}
	cl.printUser(resp)
	return nil
}

func cmdLogout(ctx context.Context, cl *cli, _ []string) error {
	if err := cl.c.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cl.out, "Logged out.")
	return nil
}

func cmdWhoAmI(ctx context.Context, cl *cli, _ []string) error {
	resp, err := cl.c.WhoAmI(ctx)
	if err != nil {
		return err
	}
	cl.printUser(resp)
	return nil
}

func cmdConversations(ctx context.Context, cl *cli, args []string) error {
	cached := len(args) > 0 && args[0] == "--cached"
	convs, err := cl.c.Conversations(ctx, cached)
	if err != nil {
		return err
	}
	cl.print(convs, func(w io.Writer) {
		if len(convs) == 0 {
			fmt.Fprintln(w, "No conversations.")
			return
		}
		for _, conv := range convs {
			printConversation(w, conv)
		}
	})
	return nil
}

func printConversation(w io.Writer, conv chat.Conversation) {
	name := conv.Name
	if name == "" {
		name = strings.Join(conv.Participants, ", ")
	}
	last := ""
	if conv.LastMessage != nil {
		last = truncate(conv.LastMessage.Content, 40)
	}
	fmt.Fprintf(w, "%-24s %-6s %-30s %s\n", conv.ID, conv.Type, truncate(name, 30), last)
}

func cmdConversation(ctx context.Context, cl *cli, args []string) error {
	conv, err := cl.c.Conversation(ctx, args[0])
	if err != nil {
		return err
	}
	cl.print(conv, func(w io.Writer) { printConversation(w, *conv) })
	return nil
}

func cmdCreateDirect(ctx context.Context, cl *cli, args []string) error {
	conv, err := cl.c.CreateConversation(ctx, chat.NewConversation{Type: chat.Direct, Participants: args[:1]})
	if err != nil {
		return err
	}
	cl.print(conv, func(w io.Writer) { printConversation(w, *conv) })
	return nil
}

func cmdCreateGroup(ctx context.Context, cl *cli, args []string) error {
	conv, err := cl.c.CreateGroup(ctx, args[0], args[1:])
	if err != nil {
		return err
	}
	cl.print(conv, func(w io.Writer) { printConversation(w, *conv) })
	return nil
}

func cmdGroupMember(add bool) func(context.Context, *cli, []string) error {
	return func(ctx context.Context, cl *cli, args []string) error {
		conv, err := cl.c.SetMember(ctx, args[0], args[1], add)
		if err != nil {
			return err
		}
		cl.print(conv, func(w io.Writer) { printConversation(w, *conv) })
		return nil
	}
}

func cmdOnline(ctx context.Context, cl *cli, args []string) error {
	ids, err := cl.c.Online(ctx, args[0])
	if err != nil {
		return err
	}
	cl.print(ids, func(w io.Writer) {
		for _, id := range ids {
			fmt.Fprintln(w, id)
		}
	})
	return nil
}

func printMessage(w io.Writer, m chat.Message) {
	status := string(m.DeliveryStatus)
	if m.LastError != "" {
		status += ": " + m.LastError
	}
	body := m.Content
	if m.ContentType != chat.Text {
		body = fmt.Sprintf("[%s] %s", m.ContentType, m.MediaURL)
	}
	fmt.Fprintf(w, "%s  %-12s %s  (%s, %s)\n", m.Timestamp.Local().Format("01-02 15:04"), m.SenderID, body, m.ID, status)
}

func cmdMessages(ctx context.Context, cl *cli, args []string) error {
	req := api.ListMessagesRequest{ConversationID: args[0]}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		req.Limit = n
	}
	if len(args) > 2 {
		req.BeforeID = args[2]
	}
	resp, err := cl.c.Messages(ctx, req)
	if err != nil {
		return err
	}
	cl.print(resp, func(w io.Writer) {
		for _, m := range resp.Messages {
			printMessage(w, m)
		}
		if resp.HasMore && len(resp.Messages) > 0 {
			fmt.Fprintf(w, "(more before %s)\n", resp.Messages[0].ID)
		}
	})
	return nil
}

func (cl *cli) printSend(resp *api.MessageResponse) error {
	cl.print(resp, func(w io.Writer) { printMessage(w, resp.Message) })
	if resp.Error != "" {
		return fmt.Errorf("send failed: %s (retry with: slinkctl retry %s)", resp.Error, resp.Message.ID)
	}
	return nil
}

func cmdSend(ctx context.Context, cl *cli, args []string) error {
	resp, err := cl.c.Send(ctx, api.SendRequest{
		SendRequest: chat.SendRequest{ConversationID: args[0], Content: strings.Join(args[1:], " ")},
		Wait:        true,
	})
	if err != nil {
		return err
	}
	return cl.printSend(resp)
}

func cmdRetry(ctx context.Context, cl *cli, args []string) error {
	resp, err := cl.c.Retry(ctx, args[0], true)
	if err != nil {
		return err
	}
	return cl.printSend(resp)
}

func cmdDiscard(ctx context.Context, cl *cli, args []string) error {
	return cl.c.Discard(ctx, args[0])
}

func cmdRead(ctx context.Context, cl *cli, args []string) error {
	n, err := cl.c.MarkRead(ctx, args[0])
	if err != nil {
		return err
	}
	cl.print(api.CountResponse{Count: n}, func(w io.Writer) { fmt.Fprintf(w, "Marked %d message(s) read.\n", n) })
	return nil
}

func cmdUnread(ctx context.Context, cl *cli, args []string) error {
	n, err := cl.c.Unread(ctx, args[0])
	if err != nil {
		return err
	}
	cl.print(api.CountResponse{Count: n}, func(w io.Writer) { fmt.Fprintln(w, n) })
	return nil
}

func cmdTyping(ctx context.Context, cl *cli, args []string) error {
	on, err := parseSwitch(args[1])
	if err != nil {
		return err
	}
	return cl.c.Typing(ctx, args[0], on)
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func cmdFind(ctx context.Context, cl *cli, args []string) error {
	var conv string
	if len(args) > 1 {
		conv = args[1]
	}
	msgs, err := cl.c.Search(ctx, args[0], conv, 0)
	if err != nil {
		return err
	}
	cl.print(msgs, func(w io.Writer) {
		for _, m := range msgs {
			fmt.Fprintf(w, "[%s] ", m.ConversationID)
			printMessage(w, m)
		}
	})
	return nil
}

func cmdWatch(ctx context.Context, cl *cli, args []string) error {
	err := cl.c.Watch(ctx, args, func(env *api.Envelope) error {
		payload, err := api.DecodePayload(env.Payload)
		if err != nil {
			return err
		}
		if cl.json {
			outputJSON(cl.out, map[string]any{
				"event_id":    env.EventID,
				"kind":        env.Kind,
				"occurred_at": time.UnixMilli(env.OccurredAtUnixMs),
				"payload":     payload,
			})
			return nil
		}
		fmt.Fprintf(cl.out, "%s %-28s %v\n", time.UnixMilli(env.OccurredAtUnixMs).Format("15:04:05.000"), env.Kind, payload)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func cmdContacts(ctx context.Context, cl *cli, _ []string) error {
	list, err := cl.c.Contacts(ctx)
	if err != nil {
		return err
	}
	cl.print(list, func(w io.Writer) {
		for _, c := range list {
			star := " "
			if c.Favorite {
				star = "*"
			}
			fmt.Fprintf(w, "%s %-24s %-20s %s\n", star, c.ID, c.Username, c.Status)
		}
	})
	return nil
}

func (cl *cli) printUsers(users []account.User) {
	cl.print(users, func(w io.Writer) {
		for _, u := range users {
			fmt.Fprintf(w, "%-24s %-20s %s\n", u.ID, u.Username, u.DisplayName)
		}
	})
}

func cmdFavorites(ctx context.Context, cl *cli, _ []string) error {
	users, err := cl.c.Favorites(ctx)
	if err != nil {
		return err
	}
	cl.printUsers(users)
	return nil
}

func cmdFavorite(ctx context.Context, cl *cli, args []string) error {
	on, err := parseSwitch(args[1])
	if err != nil {
		return err
	}
	return cl.c.SetFavorite(ctx, args[0], on)
}

func cmdSearchUsers(ctx context.Context, cl *cli, args []string) error {
	users, err := cl.c.SearchUsers(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	cl.printUsers(users)
	return nil
}

func printRequest(w io.Writer, fr contacts.FriendRequest) {
	fmt.Fprintf(w, "%-24s %-12s -> %-12s %-9s %s\n", fr.ID, fr.SenderID, fr.RecipientID, fr.Status, fr.CreatedAt.Local().Format("2006-01-02 15:04"))
}

func cmdRequests(ctx context.Context, cl *cli, args []string) error {
	var status contacts.RequestStatus
	if len(args) > 0 {
		status = contacts.RequestStatus(args[0])
	}
	resp, err := cl.c.Requests(ctx, status)
	if err != nil {
		return err
	}
	cl.print(resp, func(w io.Writer) {
		if resp.Stale != "" {
			fmt.Fprintf(w, "(offline, showing local data: %s)\n", resp.Stale)
		}
		for _, fr := range resp.Requests {
			printRequest(w, fr)
		}
	})
	return nil
}

func cmdSendRequest(ctx context.Context, cl *cli, args []string) error {
	userID := args[0]
	if strings.Contains(userID, "://") {
		id, err := contacts.ParseInvite(userID)
		if err != nil {
			return err
		}
		userID = id
	}
	fr, err := cl.c.SendRequest(ctx, userID)
	if err != nil {
		return err
	}
	cl.print(fr, func(w io.Writer) { printRequest(w, *fr) })
	return nil
}

func cmdResolve(accept bool) func(context.Context, *cli, []string) error {
	return func(ctx context.Context, cl *cli, args []string) error {
		fr, err := cl.c.Resolve(ctx, args[0], accept)
		if err != nil {
			return err
		}
		cl.print(fr, func(w io.Writer) { printRequest(w, *fr) })
		return nil
	}
}

func cmdQR(ctx context.Context, cl *cli, _ []string) error {
	who, err := cl.c.WhoAmI(ctx)
	if err != nil {
		return err
	}
	link := contacts.InviteLink(who.User)
	if cl.json {
		outputJSON(cl.out, map[string]string{"link": link})
		return nil
	}
	art, err := renderQR(link)
	if err != nil {
		return err
	}
	fmt.Fprint(cl.out, art)
	fmt.Fprintf(cl.out, "\n  %s\n", link)
	return nil
}

func cmdTranslate(ctx context.Context, cl *cli, args []string) error {
	out, err := cl.c.Translate(ctx, strings.Join(args[2:], " "), args[0], args[1])
	if err != nil {
		return err
	}
	cl.print(api.TranslateResponse{Translated: out}, func(w io.Writer) { fmt.Fprintln(w, out) })
	return nil
}

func cmdAsk(ctx context.Context, cl *cli, args []string) error {
	msgs := []assist.Message{{Role: "user", Content: strings.Join(args, " ")}}
	err := cl.c.Complete(ctx, msgs, func(chunk string) { fmt.Fprint(cl.out, chunk) })
	fmt.Fprintln(cl.out)
	return err
}

type profileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

func cmdProfiles(_ context.Context, cl *cli, _ []string) error {
	names, err := profile.List()
	if err != nil {
		return err
	}
	infos := make([]profileInfo, 0, len(names))
	for _, name := range names {
		info := profileInfo{Name: name, Path: profile.Dir(name)}
		if holder, held, err := lock.Holder(info.Path); err == nil && held {
			info.Running, info.PID, info.Since = true, holder.PID, holder.Since
		}
		infos = append(infos, info)
	}
	cl.print(infos, func(w io.Writer) {
		if len(infos) == 0 {
			fmt.Fprintln(w, "No profiles found.")
			return
		}
		for _, p := range infos {
			state := "stopped"
			if p.Running {
				state = fmt.Sprintf("running, pid %d", p.PID)
			}
			marker := " "
			if p.Name == cl.profile {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %-20s %s (%s)\n", marker, p.Name, p.Path, state)
		}
	})
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
