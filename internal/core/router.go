package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"wappsender/internal/config"
	"wappsender/internal/gateway"
	"wappsender/internal/kit"
	"wappsender/internal/services/broadcast"
	"wappsender/internal/session"
	"wappsender/internal/storage"
)

// Dispatcher is the slice of the broadcast service the router needs.
type Dispatcher interface {
	Enqueue(j broadcast.Job) error
}

// Router interprets operator input against the per-operator dialog
// mode: a fixed command vocabulary is recognized in any mode, and
// non-command text is routed by the operator's current mode (password
// entry, exclusion indices, menu choice, content entry). While a run is
// in flight only /show_status and /terminate are accepted.
type Router struct {
	cfgm   *config.Manager
	sess   *session.Session
	groups *gateway.GroupCache
	bcast  Dispatcher
	store  storage.Store
	notif  kit.Notifier
	files  FileResolver
	stats  StatsFetcher
	log    *slog.Logger

	// jobs bounds concurrent command handling so a burst of operator
	// input cannot spawn unbounded goroutines.
	jobs chan func()
}

// FileResolver resolves a transport file ID to a URL the gateway can
// fetch media from.
type FileResolver interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// StatsFetcher reports the gateway-side queue summary shown in the
// idle /show_status reply.
type StatsFetcher interface {
	FetchStatistics(ctx context.Context) (gateway.Statistics, error)
}

func NewRouter(cfgm *config.Manager, sess *session.Session, groups *gateway.GroupCache, bcast Dispatcher, store storage.Store, notif kit.Notifier, files FileResolver, stats StatsFetcher, log *slog.Logger) *Router {
	return &Router{
		cfgm:   cfgm,
		sess:   sess,
		groups: groups,
		bcast:  bcast,
		store:  store,
		notif:  notif,
		files:  files,
		stats:  stats,
		log:    log,
		jobs:   make(chan func(), 256),
	}
}

// Commands is the operator-facing command vocabulary, also published as
// the chat menu.
func (r *Router) Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "/start", Description: "Show available commands"},
		{Command: "/login", Description: "Authenticate as operator"},
		{Command: "/upload_content", Description: "Stage media and caption for broadcast"},
		{Command: "/clear_content", Description: "Discard staged content"},
		{Command: "/exclude_users", Description: "Select groups to exclude by index"},
		{Command: "/broadcast", Description: "Open the broadcast target menu"},
		{Command: "/show_status", Description: "Show run progress"},
		{Command: "/terminate", Description: "Cancel the run and clean up"},
	}
}

// DispatchLoop consumes inbound updates until ctx is done. Handling
// runs on a small worker pool; a full pool yields a busy notice rather
// than queueing without bound.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	const workers = 4
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case fn, ok := <-r.jobs:
					if !ok {
						return
					}
					fn()
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			msg := *up.Message
			job := func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("panic in command handler",
							slog.Int64("operator", msg.ChatID),
							slog.Any("panic", rec))
					}
				}()
				r.handle(ctx, msg)
			}
			select {
			case r.jobs <- job:
			default:
				r.reply(ctx, msg, "Busy, try again in a moment.")
			}
		}
	}
}

func (r *Router) handle(ctx context.Context, msg kit.Message) {
	op := msg.ChatID
	text := strings.TrimSpace(msg.Text)
	cmd := commandOf(text)

	r.log.Debug("update received",
		slog.Int64("operator", op),
		slog.String("cmd", cmd),
		slog.Bool("media", msg.Attachment != nil),
		slog.String("mode", r.sess.Mode(op).String()))

	// During a run only status and terminate get through.
	if r.sess.InFlight() && cmd != "/show_status" && cmd != "/terminate" {
		r.log.Debug("input ignored (run in flight)", slog.Int64("operator", op))
		return
	}

	switch cmd {
	case "/start":
		r.reply(ctx, msg, startText())
		return
	case "/login":
		r.cmdLogin(ctx, msg)
		return
	case "/show_status":
		r.cmdStatus(ctx, msg)
		return
	case "/terminate":
		r.cmdTerminate(ctx, msg)
		return
	}

	// Everything past this point requires a completed login.
	if !r.sess.IsAuthorized(op) {
		if r.sess.Mode(op) == session.AwaitingPassword && cmd == "" && msg.Attachment == nil {
			r.handlePassword(ctx, msg)
			return
		}
		r.reply(ctx, msg, "Please /login first.")
		return
	}

	switch cmd {
	case "/upload_content":
		r.sess.BeginUpload(op)
		r.reply(ctx, msg, "Send me the media and caption to broadcast. Text replaces the caption; each attachment is added to the bundle.")
		return
	case "/clear_content":
		r.sess.ClearContent(op)
		r.reply(ctx, msg, "Staged content cleared.")
		return
	case "/exclude_users":
		r.cmdExclude(ctx, msg)
		return
	case "/broadcast":
		r.cmdBroadcastMenu(ctx, msg)
		return
	}
	if cmd != "" {
		r.reply(ctx, msg, "Unknown command. Send /start for the list.")
		return
	}

	// Non-command input is routed by mode.
	switch r.sess.Mode(op) {
	case session.AwaitingPassword:
		r.handlePassword(ctx, msg)
	case session.AwaitingExclusionIndices:
		r.handleExclusionIndices(ctx, msg)
	case session.AwaitingBroadcastChoice:
		r.handleBroadcastChoice(ctx, msg)
	case session.AwaitingContent:
		r.handleContent(ctx, msg)
	default:
		if msg.Attachment != nil {
			r.reply(ctx, msg, "Run /upload_content before sending media.")
		} else if text != "" {
			r.reply(ctx, msg, "Send /start for the list of commands.")
		}
	}
}

// ---- commands ----

func (r *Router) cmdLogin(ctx context.Context, msg kit.Message) {
	op := msg.ChatID
	if r.sess.IsAuthorized(op) {
		r.reply(ctx, msg, "You are already logged in.")
		return
	}
	r.sess.SetMode(op, session.AwaitingPassword)
	r.reply(ctx, msg, "Enter the operator password:")
}

func (r *Router) handlePassword(ctx context.Context, msg kit.Message) {
	op := msg.ChatID
	if r.sess.TryLogin(op, strings.TrimSpace(msg.Text)) {
		r.log.Info("operator logged in", slog.Int64("operator", op))
		r.reply(ctx, msg, "Login successful.")
		return
	}
	r.log.Warn("login attempt failed", slog.Int64("operator", op))
	r.reply(ctx, msg, "Wrong password, try again:")
}

func (r *Router) cmdStatus(ctx context.Context, msg kit.Message) {
	if !r.sess.IsAuthorized(msg.ChatID) {
		r.reply(ctx, msg, "Please /login first.")
		return
	}
	p := r.sess.Progress()
	if !p.InFlight {
		staged := "no"
		if r.sess.HasContent() {
			staged = "yes"
		}
		reply := fmt.Sprintf("No broadcast in flight. Staged content: %s. Excluded groups: %d.", staged, len(r.sess.Excluded()))
		if r.stats != nil {
			if st, err := r.stats.FetchStatistics(ctx); err == nil {
				reply += "\n" + st.String()
			} else {
				r.log.Warn("statistics fetch failed", slog.Any("err", err))
			}
		}
		r.reply(ctx, msg, reply)
		return
	}
	state := "running"
	if p.Terminate {
		state = "terminating"
	}
	r.reply(ctx, msg, fmt.Sprintf("Broadcast %s: %d/%d recipients sent.", state, p.Sent, p.Total))
}

func (r *Router) cmdTerminate(ctx context.Context, msg kit.Message) {
	op := msg.ChatID
	if !r.sess.IsAuthorized(op) {
		r.reply(ctx, msg, "Please /login first.")
		return
	}
	if r.sess.InFlight() {
		r.sess.RequestTerminate()
		r.reply(ctx, msg, "Termination requested; the run will stop after the current recipient.")
		return
	}
	// Nothing in flight: schedule a drain run that cleans the gateway
	// queues and tracked messages directly.
	err := r.bcast.Enqueue(broadcast.Job{
		ID:       uuid.NewString(),
		Kind:     broadcast.JobDrain,
		Operator: kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Audit:    "drain",
	})
	switch {
	case err == nil:
		r.reply(ctx, msg, "Termination cleanup scheduled.")
	case err == session.ErrBusy:
		r.reply(ctx, msg, "A run is already in flight; use /terminate again once it is observed.")
	default:
		r.reply(ctx, msg, "Error: "+err.Error())
	}
}

func (r *Router) cmdExclude(ctx context.Context, msg kit.Message) {
	op := msg.ChatID

	// A fresh exclusion dialog always works against a fresh listing.
	r.groups.Invalidate()
	listing, err := r.groups.Get(ctx)
	if err != nil {
		r.log.Warn("group listing fetch failed", slog.Any("err", err))
		r.reply(ctx, msg, "Error fetching the group list: "+err.Error())
		return
	}
	if len(listing) == 0 {
		r.reply(ctx, msg, "The gateway reports no groups.")
		return
	}

	snapshot := make([]session.Group, 0, len(listing))
	var b strings.Builder
	b.WriteString("Reply with comma-separated numbers of the groups to exclude:\n")
	for i, g := range listing {
		snapshot = append(snapshot, session.Group{ID: g.ID, Name: g.Name})
		fmt.Fprintf(&b, "%d. %s\n", i+1, g.Name)
	}
	r.sess.BeginExclusion(op, snapshot)
	// The persisted selection mirrors the in-memory one: a fresh dialog
	// starts a clean set in both places, or a restart would resurrect
	// exclusions the operator already replaced.
	if r.store != nil {
		if err := r.store.ResetExcludedGroups(ctx); err != nil {
			r.log.Warn("exclusion reset persist failed", slog.Any("err", err))
		}
	}
	r.reply(ctx, msg, b.String())
}

func (r *Router) handleExclusionIndices(ctx context.Context, msg kit.Message) {
	op := msg.ChatID
	tokens := strings.Split(msg.Text, ",")
	indices := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			r.reply(ctx, msg, fmt.Sprintf("Not a number: %q. Nothing was excluded; send the indices again.", tok))
			return
		}
		indices = append(indices, n)
	}
	if len(indices) == 0 {
		r.reply(ctx, msg, "Send at least one group number.")
		return
	}

	resolved, err := r.sess.ResolveExclusions(op, indices)
	if err != nil {
		// Whole batch aborted; the operator stays in index-entry mode.
		r.reply(ctx, msg, "Error: "+err.Error()+". Nothing was excluded; send the indices again.")
		return
	}

	if r.store != nil {
		ids := make([]string, 0, len(resolved))
		for _, g := range resolved {
			ids = append(ids, g.ID)
		}
		if err := r.store.AddExcludedGroups(ctx, ids); err != nil {
			r.log.Warn("exclusion persist failed", slog.Any("err", err))
		}
	}

	names := make([]string, 0, len(resolved))
	for _, g := range resolved {
		names = append(names, g.Name)
	}
	r.log.Info("groups excluded", slog.Int64("operator", op), slog.Int("count", len(resolved)))
	r.reply(ctx, msg, "Excluded groups:\n"+strings.Join(names, "\n"))
}

func (r *Router) cmdBroadcastMenu(ctx context.Context, msg kit.Message) {
	op := msg.ChatID
	if !r.sess.HasContent() {
		r.reply(ctx, msg, "No staged content. Run /upload_content first.")
		return
	}
	r.sess.SetMode(op, session.AwaitingBroadcastChoice)
	r.reply(ctx, msg, "Choose the target:\n1. All groups\n2. All groups except excluded\n3. Test recipient only")
}

func (r *Router) handleBroadcastChoice(ctx context.Context, msg kit.Message) {
	op := msg.ChatID
	choice := strings.TrimSpace(msg.Text)

	var (
		targets []string
		audit   string
	)
	switch choice {
	case "1":
		listing, err := r.groups.Get(ctx)
		if err != nil {
			r.reply(ctx, msg, "Error fetching the group list: "+err.Error())
			return
		}
		for _, g := range listing {
			targets = append(targets, g.ID)
		}
		audit = "all"
	case "2":
		if len(r.sess.Excluded()) == 0 {
			r.sess.SetMode(op, session.Idle)
			r.reply(ctx, msg, "No excluded groups selected. Run /exclude_users first.")
			return
		}
		listing, err := r.groups.Get(ctx)
		if err != nil {
			r.reply(ctx, msg, "Error fetching the group list: "+err.Error())
			return
		}
		for _, g := range listing {
			if !r.sess.IsExcluded(g.ID) {
				targets = append(targets, g.ID)
			}
		}
		audit = "selected"
	case "3":
		cfg := r.cfgm.Get()
		if cfg == nil || strings.TrimSpace(cfg.Gateway.TestRecipient) == "" {
			r.reply(ctx, msg, "No test recipient configured (gateway.test_recipient).")
			return
		}
		targets = []string{strings.TrimSpace(cfg.Gateway.TestRecipient)}
		audit = "test"
	default:
		// Anything else is not a menu choice; stay in the menu.
		return
	}

	if len(targets) == 0 {
		r.sess.SetMode(op, session.Idle)
		r.reply(ctx, msg, "No recipients to send to.")
		return
	}

	job := broadcast.Job{
		ID:       uuid.NewString(),
		Kind:     broadcast.JobBroadcast,
		Operator: kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Targets:  targets,
		Content:  r.sess.Staged(),
		Audit:    audit,
	}
	err := r.bcast.Enqueue(job)
	switch {
	case err == nil:
		r.sess.SetMode(op, session.Idle)
		r.log.Info("broadcast scheduled",
			slog.String("job", job.ID),
			slog.Int64("operator", op),
			slog.String("kind", audit),
			slog.Int("targets", len(targets)))
		r.reply(ctx, msg, fmt.Sprintf("Broadcast to %d recipients scheduled.", len(targets)))
	case err == session.ErrBusy:
		r.reply(ctx, msg, "A broadcast is already in flight.")
	case err == broadcast.ErrQueueFull:
		r.reply(ctx, msg, "Busy, try again in a moment.")
	default:
		r.reply(ctx, msg, "Error: "+err.Error())
	}
}

func (r *Router) handleContent(ctx context.Context, msg kit.Message) {
	if att := msg.Attachment; att != nil {
		maxBytes := int64(0)
		if cfg := r.cfgm.Get(); cfg != nil {
			maxBytes = cfg.MaxAttachmentBytes()
		}
		url, err := r.files.FileURL(ctx, att.FileID)
		if err != nil {
			r.log.Warn("file url resolve failed", slog.Any("err", err))
			r.reply(ctx, msg, "Error: could not fetch the attachment, send it again.")
			return
		}
		item := session.Item{Kind: att.Kind, URL: url, Name: att.Name}
		if err := r.sess.AddItem(item, att.Size, maxBytes); err != nil {
			r.reply(ctx, msg, fmt.Sprintf("Attachment too large (%d bytes); it was not added.", att.Size))
			return
		}
		n := len(r.sess.Staged().Items)
		r.reply(ctx, msg, fmt.Sprintf("Added %s (%d item(s) staged).", att.Kind, n))

		// Media can carry its own caption text.
		if strings.TrimSpace(msg.Text) != "" {
			r.sess.SetCaption(strings.TrimSpace(msg.Text))
		}
		return
	}

	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	r.sess.SetCaption(strings.TrimSpace(msg.Text))
	r.reply(ctx, msg, "Caption saved.")
}

// ---- helpers ----

func (r *Router) reply(ctx context.Context, msg kit.Message, text string) {
	_ = r.notif.Notify(ctx, kit.Notification{
		Target: kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Text:   text,
	})
}

func commandOf(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := text
	if i := strings.IndexAny(cmd, " \t\n"); i >= 0 {
		cmd = cmd[:i]
	}
	// strip bot-mention suffix (/broadcast@somebot)
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func startText() string {
	return strings.Join([]string{
		"WhatsApp broadcast bridge. Commands:",
		"/login - authenticate",
		"/upload_content - stage media and caption",
		"/clear_content - discard staged content",
		"/exclude_users - pick groups to exclude",
		"/broadcast - choose targets and send",
		"/show_status - run progress",
		"/terminate - cancel and clean up",
	}, "\n")
}
