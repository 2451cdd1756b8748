// Package terminal is the interactive command-line chat front-end.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/PabloGalante/herdbot/internal/app/conversation"
	"github.com/PabloGalante/herdbot/internal/domain"
)

const (
	cmdQuit    = "/quit"
	cmdReset   = "/reset"
	cmdHistory = "/history"
)

var (
	colorAccent = lipgloss.Color("#7CB342")
	colorMuted  = lipgloss.Color("#8A8F98")
	colorError  = lipgloss.Color("#E57373")
)

type Options struct {
	In       io.Reader
	Out      io.Writer
	ClientID string
	// Debug prints the stored history after every turn.
	Debug bool
}

type REPL struct {
	svc         *conversation.Service
	in          *bufio.Scanner
	out         io.Writer
	client      string
	debug       bool
	interactive bool

	prompt lipgloss.Style
	bot    lipgloss.Style
	muted  lipgloss.Style
	errSt  lipgloss.Style
}

func New(svc *conversation.Service, opts Options) *REPL {
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	// Styles render plain text when out is not a color terminal.
	renderer := lipgloss.NewRenderer(out)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	return &REPL{
		svc:         svc,
		in:          sc,
		out:         out,
		client:      opts.ClientID,
		debug:       opts.Debug,
		interactive: isTerminal(in),
		prompt:      renderer.NewStyle().Bold(true).Foreground(colorAccent),
		bot:         renderer.NewStyle().Bold(true),
		muted:       renderer.NewStyle().Foreground(colorMuted),
		errSt:       renderer.NewStyle().Foreground(colorError),
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Run reads questions until EOF, /quit, or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	if r.interactive {
		fmt.Fprintln(r.out, r.muted.Render("Herdbot is ready. Commands: /history, /reset, /quit"))
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if r.interactive {
			fmt.Fprint(r.out, r.prompt.Render("You:"), " ")
		}
		if !r.in.Scan() {
			if err := r.in.Err(); err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			return nil
		}

		line := strings.TrimSpace(r.in.Text())
		switch line {
		case "":
			continue
		case cmdQuit, "exit":
			return nil
		case cmdReset:
			if err := r.svc.Reset(ctx, r.client); err != nil {
				r.printError(err)
				continue
			}
			fmt.Fprintln(r.out, r.muted.Render("History cleared."))
			continue
		case cmdHistory:
			r.printHistory(ctx)
			continue
		}

		if err := r.ask(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			r.printError(err)
		}
	}
}

func (r *REPL) ask(ctx context.Context, question string) error {
	fmt.Fprint(r.out, r.bot.Render("Herdbot:"), " ")

	out, err := r.svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: r.client, Text: question},
		func(fragment string) error {
			_, err := io.WriteString(r.out, fragment)
			return err
		})
	fmt.Fprintln(r.out)
	if err != nil {
		return err
	}

	if links := sourceLines(out.AssistantMessage.Citations); len(links) > 0 {
		fmt.Fprintln(r.out, r.muted.Render("Sources:"))
		for _, l := range links {
			fmt.Fprintln(r.out, r.muted.Render("  "+l))
		}
	}
	if out.Source == domain.SourceFallback {
		fmt.Fprintln(r.out, r.muted.Render("(answered without the knowledge base)"))
	}
	if r.debug {
		r.printHistory(ctx)
	}
	return nil
}

func (r *REPL) printHistory(ctx context.Context) {
	tl, err := r.svc.GetHistory(ctx, r.client)
	if err != nil {
		r.printError(err)
		return
	}
	fmt.Fprintln(r.out, r.muted.Render("--- history ---"))
	if err := tl.Dump(r.out); err != nil {
		r.printError(err)
	}
}

func (r *REPL) printError(err error) {
	fmt.Fprintln(r.out, r.errSt.Render("error: "+err.Error()))
}

// sourceLines lists every distinct link once, in citation order.
func sourceLines(cits []domain.Citation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range cits {
		for _, l := range c.Links {
			if l.URL == "" || seen[l.URL] {
				continue
			}
			seen[l.URL] = true
			label := l.Text
			if label == "" {
				label = l.URL
			}
			out = append(out, fmt.Sprintf("[%d] %s: %s", len(out)+1, strings.TrimSpace(label), l.URL))
		}
	}
	return out
}
