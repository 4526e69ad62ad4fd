package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/meszmate/ircotr/internal/app"
	"github.com/meszmate/ircotr/internal/config"
	"github.com/meszmate/ircotr/internal/crypto/otr"
	"github.com/meszmate/ircotr/internal/events"
	"github.com/meszmate/ircotr/internal/identity"
	"github.com/meszmate/ircotr/internal/logging"
	"github.com/meszmate/ircotr/internal/ui/theme"
)

type demoOptions struct {
	secret   string
	answer   string
	question string
	timeout  time.Duration
}

func demoCmd() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an encrypted conversation between two local accounts",
		Long: "Start two accounts, alice and bob, wired back to back in memory. Alice\n" +
			"starts a key exchange, they exchange messages, alice authenticates bob\n" +
			"with a shared secret, and alice ends the conversation.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.answer == "" {
				opts.answer = opts.secret
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg, styles, opts)
		},
	}

	cmd.Flags().StringVar(&opts.secret, "secret", "blue whale", "secret alice authenticates with")
	cmd.Flags().StringVar(&opts.answer, "answer", "", "secret bob answers with (default: the same secret)")
	cmd.Flags().StringVar(&opts.question, "question", "What did we see at the harbour?", "question shown to bob, empty for none")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}

type demoPeer struct {
	name string
	app  *app.App
	conn identity.ConnectionRef
}

func newDemoPeer(base *config.Config, name, dir string) (*demoPeer, error) {
	c := *base
	c.General.DataDir = dir
	c.Encryption.Policy = otr.PolicyOpportunistic.String()
	c.Storage.SealKeys = false
	c.Metrics.Address = ""

	a, err := app.New(&c, app.Options{Logger: logging.Default()})
	if err != nil {
		return nil, err
	}
	conn, err := a.OpenConnection("demo")
	if err != nil {
		a.Close()
		return nil, err
	}
	return &demoPeer{name: name, app: a, conn: conn}, nil
}

func (p *demoPeer) session(peer *demoPeer) otr.SessionInfo {
	info, _ := p.app.Session(p.conn, p.name, peer.name)
	return info
}

type demo struct {
	mu  sync.Mutex
	out io.Writer
	s   *theme.Styles
}

func runDemo(ctx context.Context, out io.Writer, base *config.Config, s *theme.Styles, opts demoOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "ircotr-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	alice, err := newDemoPeer(base, "alice", filepath.Join(dir, "alice"))
	if err != nil {
		return err
	}
	defer alice.app.Close()
	bob, err := newDemoPeer(base, "bob", filepath.Join(dir, "bob"))
	if err != nil {
		return err
	}
	defer bob.app.Close()

	d := &demo{out: out, s: s}
	d.link(alice, bob)
	d.link(bob, alice)
	d.watch(alice)
	d.watch(bob)

	smpDone := make(chan otr.SMPResult, 1)
	alice.app.Events().Subscribe(events.EventSMPResult, func(e events.Event) {
		if r, ok := e.Data.(otr.SMPResult); ok {
			select {
			case smpDone <- r:
			default:
			}
		}
	})
	bob.app.Events().Subscribe(events.EventSMPQuestion, func(e events.Event) {
		// Handlers run on the conversation goroutine, which must stay free
		// to process the answer.
		go func() {
			if err := bob.app.RespondToChallenge(bob.conn, bob.name, alice.name, otr.Secret(opts.answer)); err != nil {
				d.printf("%s %v\n", s.Error.Render("bob could not answer:"), err)
			}
		}()
	})

	d.step("Key exchange")
	if err := alice.app.BeginConversation(alice.conn, alice.name, bob.name); err != nil {
		return err
	}
	if err := d.waitUntil(ctx, func() bool {
		return alice.session(bob).State == otr.StateEncrypted && bob.session(alice).State == otr.StateEncrypted
	}); err != nil {
		return fmt.Errorf("key exchange did not finish: %w", err)
	}
	d.printf("alice sees bob as %s\n", s.Fingerprint.Render(formatFingerprint(alice.session(bob).Fingerprint)))
	d.printf("bob sees alice as %s\n", s.Fingerprint.Render(formatFingerprint(bob.session(alice).Fingerprint)))

	d.step("Messages")
	if err := d.say(ctx, alice, bob, "hello bob"); err != nil {
		return err
	}
	if err := d.say(ctx, bob, alice, "hi alice, nobody else can read this"); err != nil {
		return err
	}

	d.step("Authentication")
	if err := alice.app.InitiateChallenge(alice.conn, alice.name, bob.name, otr.Secret(opts.secret), opts.question); err != nil {
		return err
	}
	select {
	case r := <-smpDone:
		if r.Succeeded {
			d.printf("%s bob knows the secret, %s\n", s.Success.Render("✓"), trustBadge(s, alice.session(bob).Verified))
		} else {
			d.printf("%s %s\n", s.Error.Render("✗ authentication failed:"), r.Reason)
		}
	case <-ctx.Done():
		return fmt.Errorf("authentication did not finish: %w", ctx.Err())
	}

	d.step("End")
	if err := alice.app.EndConversation(alice.conn, alice.name, bob.name); err != nil {
		return err
	}
	if err := d.waitUntil(ctx, func() bool {
		return bob.session(alice).State == otr.StateFinished
	}); err != nil {
		return fmt.Errorf("bob never saw the session end: %w", err)
	}
	if err := d.say(ctx, bob, alice, "are you still there?"); err != nil {
		return err
	}

	d.step("Counters")
	return d.counters(alice)
}

// counters prints the non-zero session counters of p.
func (d *demo) counters(p *demoPeer) error {
	families, err := p.app.Metrics().Registry().Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, l := range m.GetLabel() {
				labels += " " + l.GetName() + "=" + l.GetValue()
			}
			d.printf("  %s%s %s\n", d.s.Muted.Render(mf.GetName()), labels, fmt.Sprint(m.GetCounter().GetValue()))
		}
	}
	return nil
}

// link routes protocol messages from one peer to the other.
func (d *demo) link(from, to *demoPeer) {
	from.app.SetSender(app.SenderFunc(func(_ identity.ConnectionRef, nick, text string) {
		to.app.DecryptMessage(to.conn, nick, from.name, text, nil)
	}))
}

func (d *demo) watch(p *demoPeer) {
	name := d.s.Nick.Render(p.name)
	p.app.Events().SubscribeAll(func(e events.Event) {
		switch ev := e.Data.(type) {
		case otr.StateChange:
			d.printf("  %s %s → %s\n", name, stateBadge(d.s, ev.Old), stateBadge(d.s, ev.New))
		case otr.KeyGeneration:
			if e.Type == events.EventKeyGenerationStarted {
				d.printf("  %s %s\n", name, d.s.Muted.Render("generating private key..."))
			} else if ev.Err != nil {
				d.printf("  %s %s %v\n", name, d.s.Error.Render("key generation failed:"), ev.Err)
			}
		case otr.SMPQuestion:
			q := ev.Question
			if q == "" {
				q = "(no question)"
			}
			d.printf("  %s asked: %s\n", name, q)
		case otr.ProtocolError:
			d.printf("  %s %s %v\n", name, d.s.Warning.Render("protocol error:"), ev.Err)
		}
	})
}

func (d *demo) say(ctx context.Context, from, to *demoPeer, text string) error {
	res, err := from.app.Encrypt(ctx, from.conn, from.name, to.name, text)
	if err != nil {
		return fmt.Errorf("%s could not send: %w", from.name, err)
	}
	d.printf("%s %s\n", d.s.Nick.Render(from.name+" >"), d.s.Muted.Render(truncate(res.Text, 60)))

	got, err := to.app.Decrypt(ctx, to.conn, to.name, from.name, res.Text)
	if err != nil {
		return fmt.Errorf("%s could not read: %w", to.name, err)
	}
	d.printf("%s %s %s\n", d.s.Nick.Render(to.name+" <"), got.Text, d.s.Muted.Render("("+got.Status.String()+")"))
	return nil
}

func (d *demo) step(title string) {
	d.printf("\n%s\n", d.s.Header.Render(title))
}

func (d *demo) printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

func (d *demo) waitUntil(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
