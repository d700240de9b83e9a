// Command marketsync is a command-line client for the campus marketplace.
// It keeps the session, read state and an offline snapshot in the configured
// storage backend so consecutive invocations behave like one running app.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"marketsync/config"
	"marketsync/gateway"
	"marketsync/kvstore"
	"marketsync/obs"
	"marketsync/pkg/market"
	"marketsync/poll"
	"marketsync/readstate"
	"marketsync/session"
	"marketsync/snapshot"
	"marketsync/syncengine"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := obs.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdout); err != nil {
		var authErr *syncengine.AuthError
		if errors.As(err, &authErr) {
			fmt.Fprintln(os.Stderr, authErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

type app struct {
	engine    *syncengine.Engine
	sessions  *session.Store
	snapshots *snapshot.Store
	logger    *slog.Logger
	out       io.Writer
	close     func()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*kvstore.Store, func(), error) {
	noop := func() {}
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return kvstore.NewMemory(logger), noop, nil
	case config.BackendGCS:
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.Bucket, "prefix", cfg.BucketPrefix)
		return kvstore.NewGCS(client, cfg.Bucket, cfg.BucketPrefix, logger), func() { _ = client.Close() }, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("Using Redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return kvstore.NewRedis(rdb, cfg.RedisPrefix, logger), func() { _ = rdb.Close() }, nil
	default:
		store, err := kvstore.NewLocal(cfg.LocalStorage, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("Using local storage", "storage_path", cfg.LocalStorage)
		return store, noop, nil
	}
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) (*app, error) {
	kv, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sessions := session.New(kv, logger)
	snapshots := snapshot.New(kv, logger)
	client := gateway.New(&http.Client{Timeout: cfg.RequestTimeout}, cfg.APIBaseURL, sessions, logger)
	engine := syncengine.New(&syncengine.Config{
		Gateway:       client,
		Session:       sessions,
		ReadState:     readstate.New(kv, logger),
		Snapshots:     snapshots,
		Logger:        logger,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		SendTimeout:   cfg.SendTimeout,
		PushToken:     cfg.PushToken,
	})
	return &app{engine: engine, sessions: sessions, snapshots: snapshots, logger: logger, out: out, close: closeStore}, nil
}

const usage = `usage: marketsync <command> [flags]

commands:
  signup         create an account
  signin         sign in and remember the session
  signout        forget the session
  forgot         request a password reset email
  whoami         show the signed-in user
  listings       list, search and sort listings
  create         create a listing
  update         edit a listing
  delete         delete a listing
  click          record a listing view
  messages       show the messages of a listing
  send           send a message about a listing
  conversations  list conversations with unread markers
  read           mark a conversation as read
  profile        update the signed-in user's profile
  watch          poll conversations and print new messages until interrupted
  purge          remove the offline snapshots of every user
`

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("no command given")
	}
	cmd, rest := args[0], args[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}

	a, err := newApp(ctx, cfg, logger, out)
	if err != nil {
		return err
	}
	defer a.close()

	start := time.Now()
	defer func() {
		a.engine.Wait()
		logger.Debug("Command finished", "command", cmd, "duration", time.Since(start))
	}()

	switch cmd {
	case "signup":
		return a.signUp(ctx, rest)
	case "signin":
		return a.signIn(ctx, rest)
	case "signout":
		a.sessions.Restore(ctx)
		a.engine.SignOut(ctx)
		fmt.Fprintln(out, "Signed out.")
		return nil
	case "forgot":
		return a.forgot(ctx, rest)
	case "whoami":
		return a.whoami(ctx)
	case "listings":
		return a.listings(ctx, rest)
	case "create":
		return a.create(ctx, rest)
	case "update":
		return a.update(ctx, rest)
	case "delete":
		return a.delete(ctx, rest)
	case "click":
		return a.click(ctx, rest)
	case "messages":
		return a.messages(ctx, rest)
	case "send":
		return a.send(ctx, rest)
	case "conversations":
		return a.conversations(ctx)
	case "read":
		return a.read(ctx, rest)
	case "profile":
		return a.profile(ctx, rest)
	case "watch":
		return a.watch(ctx)
	case "purge":
		n, err := a.snapshots.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %d offline snapshots.\n", n)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// start restores state and refreshes from the backend. Refresh failures are
// logged and the command works from whatever is cached.
func (a *app) start(ctx context.Context) {
	if err := a.engine.Start(ctx); err != nil {
		a.logger.Warn("Refresh failed, using cached data", "error", err)
	}
}

func (a *app) restore(ctx context.Context) error {
	a.sessions.Restore(ctx)
	if !a.sessions.Authenticated() {
		return syncengine.ErrNotAuthenticated
	}
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func (a *app) signUp(ctx context.Context, args []string) error {
	fs := newFlagSet("signup")
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("MARKETSYNC_PASSWORD"), "account password")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.engine.SignUp(ctx, gateway.SignUpRequest{Email: *email, Password: *password, Name: *name}); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Account created. You can sign in now.")
	return nil
}

func (a *app) signIn(ctx context.Context, args []string) error {
	fs := newFlagSet("signin")
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("MARKETSYNC_PASSWORD"), "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	user, err := a.engine.SignIn(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s (user %d).\n", displayName(*user), user.ID)
	return nil
}

func (a *app) forgot(ctx context.Context, args []string) error {
	fs := newFlagSet("forgot")
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	msg, err := a.engine.ForgotPassword(ctx, *email)
	if err != nil {
		return err
	}
	if msg == "" {
		msg = "If the account exists, a reset email is on its way."
	}
	fmt.Fprintln(a.out, msg)
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	sess := a.sessions.Snapshot()
	name := "(no profile)"
	if sess.Profile != nil {
		name = displayName(*sess.Profile)
	}
	fmt.Fprintf(a.out, "%s (user %d)\n", name, sess.UserID)
	if exp, err := a.sessions.CredentialExpiry(); err == nil && !exp.IsZero() {
		fmt.Fprintf(a.out, "credential expires %s\n", exp.Local().Format(time.RFC1123))
	}
	return nil
}

func (a *app) listings(ctx context.Context, args []string) error {
	fs := newFlagSet("listings")
	query := fs.String("q", "", "search title, description and location")
	sortBy := fs.String("sort", "newest", "newest, oldest, price_asc, price_desc or alphabetical")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opt, err := syncengine.ParseSortOption(*sortBy)
	if err != nil {
		return err
	}
	a.start(ctx)
	if a.engine.ListingsStale() {
		fmt.Fprintln(a.out, "(offline: showing saved listings)")
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPRICE\tLOCATION\tSELLER")
	for _, l := range a.engine.Listings(*query, opt) {
		seller := ""
		if l.Owner != nil {
			seller = displayName(*l.Owner)
		}
		fmt.Fprintf(w, "%d\t%s\t$%s\t%s\t%s\n", l.IDOrZero(), l.Title, l.Price, l.Location, seller)
	}
	return w.Flush()
}

type imageList []string

func (l *imageList) String() string     { return strings.Join(*l, ",") }
func (l *imageList) Set(v string) error { *l = append(*l, v); return nil }

func readImage(path string) (gateway.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gateway.Image{}, fmt.Errorf("read image: %w", err)
	}
	return gateway.Image{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := newFlagSet("create")
	var draft gateway.ListingDraft
	var images imageList
	fs.StringVar(&draft.Title, "title", "", "listing title")
	fs.Float64Var(&draft.Price, "price", 0, "price")
	fs.StringVar(&draft.Description, "description", "", "description")
	fs.StringVar(&draft.Location, "location", "", "pickup location")
	fs.Var(&images, "image", "image file (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, path := range images {
		img, err := readImage(path)
		if err != nil {
			return err
		}
		draft.Images = append(draft.Images, img)
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	l, err := a.engine.CreateListing(ctx, draft)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created listing %d.\n", l.IDOrZero())
	return nil
}

func (a *app) update(ctx context.Context, args []string) error {
	fs := newFlagSet("update")
	id := fs.Int("id", 0, "listing id")
	var edit gateway.ListingEdit
	fs.StringVar(&edit.Title, "title", "", "listing title")
	fs.Float64Var(&edit.Price, "price", 0, "price")
	fs.StringVar(&edit.Description, "description", "", "description")
	fs.StringVar(&edit.Location, "location", "", "pickup location")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a.start(ctx)
	l, err := a.engine.UpdateListing(ctx, *id, edit)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Updated listing %d: %s $%s\n", l.IDOrZero(), l.Title, l.Price)
	return nil
}

func (a *app) delete(ctx context.Context, args []string) error {
	fs := newFlagSet("delete")
	id := fs.Int("id", 0, "listing id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	if err := a.engine.DeleteListing(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted listing %d.\n", *id)
	return nil
}

func (a *app) click(ctx context.Context, args []string) error {
	fs := newFlagSet("click")
	id := fs.Int("id", 0, "listing id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.engine.RecordClick(ctx, *id)
}

func (a *app) messages(ctx context.Context, args []string) error {
	fs := newFlagSet("messages")
	listingID := fs.Int("listing", 0, "listing id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	a.start(ctx)
	if err := a.engine.FetchMessages(ctx, *listingID); err != nil {
		a.logger.Warn("Showing saved messages", "listing_id", *listingID, "error", err)
	}
	for _, m := range a.engine.Messages(*listingID) {
		printMessage(a.out, m, a.sessions.UserID())
	}
	return nil
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := newFlagSet("send")
	listingID := fs.Int("listing", 0, "listing id")
	text := fs.String("text", "", "message text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	a.start(ctx)
	m, err := a.engine.SendMessage(ctx, *listingID, *text)
	if err != nil {
		return err
	}
	a.engine.Wait()
	for _, got := range a.engine.Messages(*listingID) {
		if got.ClientID == m.ClientID && got.Status == market.StatusFailed {
			return errors.New("message was not delivered")
		}
	}
	fmt.Fprintln(a.out, "Sent.")
	return nil
}

func (a *app) conversations(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	a.start(ctx)

	convs := a.engine.Conversations()
	fmt.Fprintf(a.out, "%d conversations, %d unread\n", len(convs), a.engine.UnreadCount())
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tLISTING\tWITH\tLAST MESSAGE\tWHEN")
	for _, c := range convs {
		mark := ""
		if a.engine.IsUnread(c) {
			mark = "*"
		}
		title := c.Listing.Title
		if title == "" {
			title = "(listing removed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			mark, c.ID, title, displayName(c.Counterpart),
			preview(c.LastMessage), c.LastMessage.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func (a *app) read(ctx context.Context, args []string) error {
	fs := newFlagSet("read")
	id := fs.String("conversation", "", "conversation id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-conversation is required")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	a.start(ctx)
	a.engine.MarkRead(ctx, *id)
	fmt.Fprintf(a.out, "Marked conversation %s as read.\n", *id)
	return nil
}

func (a *app) profile(ctx context.Context, args []string) error {
	fs := newFlagSet("profile")
	var upd gateway.ProfileUpdate
	image := fs.String("image", "", "profile image file")
	fs.StringVar(&upd.Email, "email", "", "email")
	fs.StringVar(&upd.Name, "name", "", "display name")
	fs.StringVar(&upd.Bio, "bio", "", "bio")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	if upd.Email == "" {
		if p := a.sessions.Snapshot().Profile; p != nil {
			upd.Email = p.Email
		}
	}
	if *image != "" {
		img, err := readImage(*image)
		if err != nil {
			return err
		}
		upd.Image = &img
	}
	u, err := a.engine.UpdateProfile(ctx, upd)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Profile updated for %s.\n", displayName(*u))
	return nil
}

// printer writes new messages to the terminal.
type printer struct {
	out io.Writer
	me  int
}

func (p printer) NewMessages(ctx context.Context, conv market.Conversation, msgs []market.Message) error {
	title := conv.Listing.Title
	if title == "" {
		title = "listing " + conv.ID
	}
	fmt.Fprintf(p.out, "* %s, %s:\n", displayName(conv.Counterpart), title)
	for _, m := range msgs {
		printMessage(p.out, m, p.me)
	}
	return nil
}

func (a *app) watch(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	a.start(ctx)
	fmt.Fprintf(a.out, "Watching %d conversations, %d unread. Press Ctrl-C to stop.\n",
		len(a.engine.Conversations()), a.engine.UnreadCount())

	m := poll.New(a.engine, printer{out: a.out, me: a.sessions.UserID()}, a.logger)
	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func displayName(u market.UserSummary) string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Email != "":
		return u.Email
	case u.ID != 0:
		return fmt.Sprintf("user %d", u.ID)
	default:
		return "unknown"
	}
}

func preview(m market.Message) string {
	text := m.Content
	if m.Kind == market.KindImage || (text == "" && m.ImageURL != "") {
		text = "[image]"
	}
	if r := []rune(text); len(r) > 40 {
		text = string(r[:39]) + "…"
	}
	return text
}

func printMessage(w io.Writer, m market.Message, me int) {
	who := "them"
	if m.SenderID == me {
		who = "me"
	} else if m.Sender != nil {
		who = displayName(*m.Sender)
	}
	status := ""
	switch m.Status {
	case market.StatusPending:
		status = " (sending)"
	case market.StatusFailed:
		status = " (not delivered)"
	}
	text := m.Content
	if text == "" {
		text = m.ImageURL
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), who, text, status)
}
