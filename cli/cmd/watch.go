package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/treesync/cli/reader"
	"github.com/pithecene-io/treesync/cli/tui"
	"github.com/pithecene-io/treesync/client"
	"github.com/pithecene-io/treesync/generation"
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/session"
	"github.com/pithecene-io/treesync/stream"
	"github.com/pithecene-io/treesync/types"
)

// WatchCommand returns the watch command, an interactive client session.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow a conversation live, optionally sending a message or generating an objective",
		Flags: []cli.Flag{
			ConfigFlag,
			ServerFlag,
			TUIFlag,
			&cli.StringFlag{Name: "url", Usage: "Relay WebSocket URL (default: derived from --server)"},
			&cli.StringFlag{Name: "conversation", Aliases: []string{"C"}, Usage: "Conversation id"},
			&cli.BoolFlag{Name: "new", Usage: "Start a new conversation"},
			&cli.StringFlag{Name: "send", Usage: "Send a user message after connecting"},
			&cli.StringFlag{Name: "generate", Usage: "Generate an objective from this prompt after connecting"},
			&cli.BoolFlag{Name: "once", Usage: "Exit when the requested reply or generation settles"},
			&cli.StringFlag{Name: "format", Usage: "Wire format: json or msgpack (default: from config)"},
			&cli.StringFlag{Name: "log-level", Usage: "Client log level (plain mode only)", Value: "warn"},
		},
		Action: watchAction,
	}
}

func watchAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("format") {
		cfg.Client.Format = c.String("format")
		if err := cfg.Validate(); err != nil {
			return cli.Exit(err.Error(), 2)
		}
	}

	conv := c.String("conversation")
	switch {
	case conv != "" && c.Bool("new"):
		return cli.Exit("--conversation and --new are mutually exclusive", 1)
	case c.Bool("new"):
		conv = uuid.NewString()
	case conv == "":
		return cli.Exit("--conversation or --new is required", 1)
	}

	base := serverURL(c, cfg)
	copts := cfg.ClientOptions()
	switch {
	case c.IsSet("url"):
		copts.URL = c.String("url")
	case copts.URL == "" || c.IsSet("server"):
		if copts.URL, err = socketURL(base); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	logger := log.Nop()
	if !c.Bool("tui") {
		logger = log.NewLoggerWithWriter("watch", os.Stderr, log.ParseLevel(c.String("log-level")))
	}
	defer logger.Sync()

	rd, err := reader.NewClient(base, 0)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := session.New(session.Options{Client: copts, APIURL: base, Logger: logger})
	defer s.Close()

	w := &watcher{
		session: s,
		reader:  rd,
		conv:    conv,
		send:    c.String("send"),
		prompt:  c.String("generate"),
	}
	if c.Bool("tui") {
		return w.runTUI(ctx)
	}
	return w.runPlain(ctx, c.App.Writer, c.Bool("once"))
}

// watcher drives one session for the watch command. Bus events are
// translated into tui messages, which either feed the TUI or the plain
// printer.
type watcher struct {
	session *session.Session
	reader  *reader.Client
	conv    string
	send    string
	prompt  string
}

// subscribe forwards the session's events as tui messages to sink.
func (w *watcher) subscribe(sink func(tea.Msg)) (unsubscribe func()) {
	b := w.session.Bus
	offs := []func(){
		b.On(types.EventStateChanged, func(env *types.Envelope) {
			var sc client.StateChange
			if env.DecodeData(&sc) == nil {
				sink(tui.ConnMsg{State: string(sc.To)})
			}
		}),
		b.On(types.EventConnectionFailed, func(env *types.Envelope) {
			var f client.Failure
			if env.DecodeData(&f) == nil {
				sink(tui.ErrorMsg{Text: fmt.Sprintf("connection failed after %d attempts: %s", f.Attempts, f.Error)})
			}
		}),
		b.On(types.TypeAIThinking, func(env *types.Envelope) {
			var p types.ThinkingPayload
			if env.DecodeData(&p) == nil && w.mine(p.ConversationID) {
				sink(tui.ThinkingMsg{Thinking: p.IsThinking})
			}
		}),
		b.On(types.EventMessageUpdated, w.transcript(sink, false)),
		b.On(types.EventMessageCompleted, w.transcript(sink, true)),
		b.On(types.EventArtifactChanged, func(env *types.Envelope) {
			var ch generation.Change
			if env.DecodeData(&ch) != nil || !w.mine(ch.ConversationID) {
				return
			}
			msg := tui.ObjectiveMsg{State: string(ch.State)}
			if ch.Artifact != nil {
				msg.View = reader.NewObjectiveView(ch.Artifact)
			}
			sink(msg)
		}),
		b.On(types.TypeError, func(env *types.Envelope) {
			var p types.ErrorPayload
			if env.DecodeData(&p) == nil && w.mine(env.ConversationID()) {
				sink(tui.ErrorMsg{Text: p.Code + ": " + p.Message})
			}
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (w *watcher) transcript(sink func(tea.Msg), done bool) func(*types.Envelope) {
	return func(env *types.Envelope) {
		var u stream.Update
		if env.DecodeData(&u) != nil || !w.mine(u.ConversationID) {
			return
		}
		sink(tui.TranscriptMsg{ID: u.MessageID, Role: string(types.RoleAssistant), Content: u.Content, Done: done})
	}
}

func (w *watcher) mine(conversationID string) bool {
	return conversationID == "" || conversationID == w.conv
}

// start connects, joins the conversation, replays its history into sink
// and sends the requested message or prompt.
func (w *watcher) start(ctx context.Context, sink func(tea.Msg)) error {
	if err := w.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := w.session.Open(ctx, w.conv); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	view, err := w.reader.Conversation(ctx, w.conv)
	switch {
	case err == nil:
		for _, m := range view.Messages {
			sink(tui.TranscriptMsg{ID: m.ID, Role: string(m.Role), Content: m.Content, Done: true})
		}
		sink(tui.ThinkingMsg{Thinking: view.IsThinking})
	case !errors.Is(err, reader.ErrNotFound):
		sink(tui.ErrorMsg{Text: "load history: " + err.Error()})
	}
	if a := w.session.Generation.Artifact(); a != nil {
		sink(tui.ObjectiveMsg{State: string(w.session.Generation.State()), View: reader.NewObjectiveView(a)})
	}

	if w.send != "" {
		id, err := w.session.SendMessage(w.send)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sink(tui.TranscriptMsg{ID: id, Role: string(types.RoleUser), Content: w.send, Done: true})
	}
	if w.prompt != "" {
		if _, err := w.session.GenerateObjective(w.prompt); err != nil {
			return fmt.Errorf("generate: %w", err)
		}
	}
	return nil
}

func (w *watcher) runTUI(ctx context.Context) error {
	p := tea.NewProgram(tui.NewWatchModel(tui.WatchOptions{
		Conversation: w.conv,
		Complete: func(nodeID string) error {
			return w.reader.CompleteNode(ctx, w.conv, nodeID)
		},
	}), tea.WithAltScreen(), tea.WithContext(ctx))

	off := w.subscribe(p.Send)
	defer off()
	go func() {
		if err := w.start(ctx, p.Send); err != nil {
			p.Send(tui.ErrorMsg{Text: err.Error()})
		}
	}()

	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *watcher) runPlain(ctx context.Context, out io.Writer, once bool) error {
	pr := newPrinter(out, w.send != "", w.prompt != "")
	off := w.subscribe(pr.handle)
	defer off()

	if err := w.start(ctx, pr.handle); err != nil {
		return err
	}
	if !once {
		<-ctx.Done()
		return nil
	}
	if w.send == "" && w.prompt == "" {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-pr.done:
		return err
	}
}

// printer renders watch events as lines. With pending work it reports on
// done when the reply has completed and any generation has settled.
type printer struct {
	mu          sync.Mutex
	out         io.Writer
	awaitReply  bool
	awaitGen    bool
	generating  bool
	lastPrinted map[string]bool
	done        chan error
}

func newPrinter(out io.Writer, awaitReply, awaitGen bool) *printer {
	return &printer{
		out:         out,
		awaitReply:  awaitReply,
		awaitGen:    awaitGen,
		lastPrinted: make(map[string]bool),
		done:        make(chan error, 1),
	}
}

func (p *printer) handle(msg tea.Msg) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch m := msg.(type) {
	case tui.ConnMsg:
		fmt.Fprintf(p.out, "[%s]\n", m.State)
	case tui.ThinkingMsg:
		if m.Thinking {
			fmt.Fprintln(p.out, "[thinking]")
		}
	case tui.TranscriptMsg:
		if !m.Done || p.lastPrinted[m.ID] {
			return
		}
		p.lastPrinted[m.ID] = true
		who := "you"
		if m.Role == string(types.RoleAssistant) {
			who = "ai"
			p.awaitReply = false
		}
		fmt.Fprintf(p.out, "%s: %s\n", who, m.Content)
	case tui.ObjectiveMsg:
		if m.View == nil {
			return
		}
		fmt.Fprintf(p.out, "objective %q: %s %d/%d nodes\n", m.View.Title, m.State, m.View.Completed, m.View.Total)
		switch m.State {
		case string(generation.StateGenerating), string(generation.StateUpdating):
			p.generating = true
		default:
			if p.generating {
				p.generating, p.awaitGen = false, false
			}
		}
	case tui.ErrorMsg:
		if m.Text == "" {
			return
		}
		fmt.Fprintf(p.out, "error: %s\n", m.Text)
		p.finish(cli.Exit(m.Text, 1))
		return
	}
	if !p.awaitReply && !p.awaitGen {
		p.finish(nil)
	}
}

func (p *printer) finish(err error) {
	select {
	case p.done <- err:
	default:
	}
}
