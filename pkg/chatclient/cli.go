package chatclient

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const defaultURL = "ws://localhost:8085/ws/chat"

func RunCLI(prog string, args []string, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd := args[0]
	rest := args[1:]
	var err error
	switch cmd {
	case "listen":
		err = runListen(rest)
	case "send":
		err = runSend(rest)
	default:
		return UsageError{Program: prog}
	}
	if err != nil {
		if stderr == nil {
			stderr = os.Stderr
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return err
}

type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "chatctl"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  listen    Connect to the gateway and print messages, resyncing after reconnects",
		"  send      Send one message over the gateway and print the stored copy",
	}
}

type connFlags struct {
	url      *string
	coupleID *string
	userID   *string
	token    *string
}

func registerConnFlags(fs *flag.FlagSet) connFlags {
	return connFlags{
		url:      fs.String("url", getenv("CHATCTL_URL", defaultURL), "gateway websocket URL"),
		coupleID: fs.String("couple", getenv("CHATCTL_COUPLE_ID", ""), "couple id"),
		userID:   fs.String("user", getenv("CHATCTL_USER_ID", ""), "user id"),
		token:    fs.String("token", getenv("CHATCTL_TOKEN", ""), "bearer token for verified handshakes"),
	}
}

func (f connFlags) options() (Options, error) {
	if *f.token == "" && (*f.coupleID == "" || *f.userID == "") {
		return Options{}, errors.New("either -token or both -couple and -user are required")
	}
	return Options{URL: *f.url, CoupleID: *f.coupleID, UserID: *f.userID, Token: *f.token}, nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := registerConnFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := cf.options()
	if err != nil {
		return err
	}

	writer := bufio.NewWriter(os.Stdout)
	defer func() {
		_ = writer.Flush()
	}()
	opts.OnMessage = func(m Message) {
		fmt.Fprintln(writer, formatMessage(m))
		_ = writer.Flush()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return New(opts).Run(ctx)
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := registerConnFlags(fs)
	text := fs.String("text", "", "message text ('-' reads stdin)")
	image := fs.String("image", "", "image URL; sends an IMAGE message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := cf.options()
	if err != nil {
		return err
	}
	in, err := sendInput(*text, *image)
	if err != nil {
		return err
	}

	ready := make(chan struct{}, 1)
	opts.OnConnected = func(Connected) {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := New(opts)
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case <-ready:
	case err := <-runErr:
		if err == nil {
			err = ctx.Err()
		}
		return err
	}

	res, err := c.Send(ctx, in)
	cancel()
	<-runErr
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s (delivery: %s)\n", formatMessage(res.Message), res.Delivery)
	return nil
}

func sendInput(text, image string) (SendInput, error) {
	in := SendInput{ClientMessageID: "tmp-" + uuid.NewString()}
	if image != "" {
		in.Kind = "IMAGE"
		in.ImageURL = &image
		return in, nil
	}
	if text == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return SendInput{}, err
		}
		text = strings.TrimRight(string(b), "\r\n")
	}
	if text == "" {
		return SendInput{}, errors.New("-text or -image is required")
	}
	in.Kind = "TEXT"
	in.Text = &text
	return in, nil
}

func formatMessage(m Message) string {
	body := ""
	switch {
	case m.Text != nil:
		body = *m.Text
	case m.ImageURL != nil:
		body = "[image] " + *m.ImageURL
	}
	ts := time.UnixMilli(m.SentAtMs).UTC().Format(time.RFC3339)
	return fmt.Sprintf("[%s] %s: %s", ts, m.SenderUserID, body)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
