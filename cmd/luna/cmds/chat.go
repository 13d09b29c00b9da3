package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/events"
	"github.com/go-go-golems/luna/pkg/orchestrator"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const chatHelp = `Commands:
  /new               start a new conversation
  /model <id|name>   switch the model for the following turns
  /prompt <text>     set the system prompt of new conversations
  /title             generate a title for the current conversation
  /quit              leave
Ctrl-C cancels a running reply.`

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in line mode, starting or continuing a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, _ := cmd.Flags().GetInt64("chat-id")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			autoTitle, _ := cmd.Flags().GetBool("title")

			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()
			if metricsAddr != "" {
				app.ServeMetrics(metricsAddr)
			}

			c := &chatLoop{
				app:       app,
				in:        os.Stdin,
				out:       cmd.OutOrStdout(),
				autoTitle: autoTitle,
				prompt:    isatty.IsTerminal(os.Stdin.Fd()),
				identity:  conversation.Draft{},
			}
			if chatID != 0 {
				id := conversation.ChatID(chatID)
				sess, err := app.Orchestrator.Session(cmd.Context(), id)
				if err != nil {
					return err
				}
				c.identity = conversation.Persisted{ID: id}
				_, _ = fmt.Fprintf(c.out, "# %s (started %s)\n", sess.DisplayTitle(), sess.CreatedAt().Local().Format(time.DateTime))
				for _, m := range sess.NonSystemMessages() {
					_, _ = fmt.Fprintf(c.out, "%s\n", m.String())
				}
			}
			return c.run(cmd.Context())
		},
	}
	cmd.Flags().Int64("chat-id", 0, "Continue the conversation with this id")
	cmd.Flags().Bool("title", false, "Generate a title after the first reply of a new conversation")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

type chatLoop struct {
	app       *App
	in        io.Reader
	out       io.Writer
	autoTitle bool
	prompt    bool

	mu       sync.Mutex
	identity conversation.Identity
	current  *orchestrator.TurnHandle
}

func (c *chatLoop) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := c.app.Bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		c.printUpdates(updates)
		return nil
	})
	eg.Go(func() error {
		return c.handleInterrupts(ctx, cancel)
	})
	eg.Go(func() error {
		defer cancel()
		return c.readLoop(ctx)
	})
	return eg.Wait()
}

// printUpdates streams the reply of the running turn.
func (c *chatLoop) printUpdates(updates <-chan events.Event) {
	attempts := map[string]int{}
	for ev := range updates {
		switch ev.Type {
		case events.EventTypePartial:
			if last := attempts[ev.TurnID]; last != 0 && ev.Attempt != last {
				_, _ = fmt.Fprintln(c.out, "\n[retrying]")
			}
			attempts[ev.TurnID] = ev.Attempt
			_, _ = fmt.Fprint(c.out, ev.Delta)
		case events.EventTypeTurnState:
			switch orchestrator.TurnState(ev.State) {
			case orchestrator.StateCompleted:
				_, _ = fmt.Fprintln(c.out)
			case orchestrator.StateCancelled:
				_, _ = fmt.Fprintln(c.out, "\n[cancelled]")
			case orchestrator.StateFailed:
				_, _ = fmt.Fprintf(c.out, "\n[failed: %s]\n", ev.Error)
			case orchestrator.StateIdle:
				delete(attempts, ev.TurnID)
			case orchestrator.StateRequesting, orchestrator.StateStreaming:
			}
		case events.EventTypeTitleUpdated:
			_, _ = fmt.Fprintf(c.out, "[title: %s]\n", ev.Title)
		case events.EventTypeChatCreated, events.EventTypeMessagesAppended:
			log.Debug().Int64("chat_id", int64(ev.ChatID)).Str("type", string(ev.Type)).Msg("conversation updated")
		}
	}
}

// handleInterrupts cancels the running turn on Ctrl-C, or leaves when idle.
func (c *chatLoop) handleInterrupts(ctx context.Context, leave context.CancelFunc) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
			c.mu.Lock()
			h := c.current
			c.mu.Unlock()
			if h != nil && h.IsRunning() {
				_ = c.app.Orchestrator.Cancel(h)
				continue
			}
			leave()
			return nil
		}
	}
}

func (c *chatLoop) readLoop(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	if c.prompt {
		_, _ = fmt.Fprintln(c.out, chatHelp)
	}
	for {
		if c.prompt {
			_, _ = fmt.Fprint(c.out, "> ")
		}
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		quit, err := c.handleLine(ctx, line)
		if err != nil {
			_, _ = fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (c *chatLoop) handleLine(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, c.submit(ctx, line)
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		c.mu.Lock()
		c.identity = conversation.Draft{}
		c.mu.Unlock()
		_, _ = fmt.Fprintln(c.out, "[new conversation]")
	case "/model":
		model, err := c.app.Catalog.ResolveStrict(arg)
		if err != nil {
			return false, err
		}
		cfg := c.app.Broadcaster.Current().WithSelectedModel(model)
		if err := c.app.Broadcaster.Publish(ctx, cfg); err != nil {
			return false, err
		}
		_, _ = fmt.Fprintf(c.out, "[model: %s]\n", model)
	case "/prompt":
		if arg == "" {
			return false, errors.New("usage: /prompt <text>")
		}
		cfg := c.app.Broadcaster.Current().WithSystemPrompt(arg)
		if err := c.app.Broadcaster.Publish(ctx, cfg); err != nil {
			return false, err
		}
	case "/title":
		id, ok := c.currentID()
		if !ok {
			return false, errors.New("the conversation has not been saved yet")
		}
		if _, err := c.app.Orchestrator.GenerateTitle(ctx, id); err != nil {
			return false, err
		}
	default:
		_, _ = fmt.Fprintln(c.out, chatHelp)
	}
	return false, nil
}

func (c *chatLoop) currentID() (conversation.ChatID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.identity.(conversation.Persisted)
	return p.ID, ok
}

func (c *chatLoop) submit(ctx context.Context, text string) error {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	_, isDraft := identity.(conversation.Draft)

	h, err := c.app.Orchestrator.Submit(events.WithEventSinks(ctx, turnLogSink{}), identity, text)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current = h
	c.mu.Unlock()

	res, err := h.Wait()
	if errors.Is(err, orchestrator.ErrTurnCancelled) {
		return nil
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.identity = conversation.Persisted{ID: res.ChatID}
	c.mu.Unlock()
	if res.Estimate.Overflow {
		_, _ = fmt.Fprintf(c.out, "[warning: the conversation (%d tokens) exceeds the model's context window of %d]\n",
			res.Estimate.Tokens, res.Estimate.ContextWindow)
	}
	if isDraft && c.autoTitle {
		if _, err := c.app.Orchestrator.GenerateTitle(ctx, res.ChatID); err != nil {
			log.Warn().Err(err).Int64("chat_id", int64(res.ChatID)).Msg("could not generate title")
		}
	}
	return nil
}

// turnLogSink logs the state changes of the turns it is attached to.
type turnLogSink struct{}

func (turnLogSink) PublishEvent(ev events.Event) error {
	if ev.Type == events.EventTypeTurnState {
		log.Debug().
			Str("turn_id", ev.TurnID).
			Int64("chat_id", int64(ev.ChatID)).
			Str("state", ev.State).
			Str("error", ev.Error).
			Msg("turn update")
	}
	return nil
}
