package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"mycelica/hypha/internal/orchestrate"
)

// credentials reads the password from HYPHA_PASSWORD or, on a terminal,
// prompts for it without echo.
func credentials(user string) (orchestrate.Credentials, error) {
	if user == "" {
		return orchestrate.Credentials{}, errors.New("no user configured (set user in config.toml, HYPHA_USER, or use --user)")
	}
	if pw := os.Getenv("HYPHA_PASSWORD"); pw != "" {
		return orchestrate.Credentials{User: user, Password: pw}, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return orchestrate.Credentials{}, errors.New("no password: set HYPHA_PASSWORD or run on a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", user)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return orchestrate.Credentials{}, fmt.Errorf("reading password: %w", err)
	}
	return orchestrate.Credentials{User: user, Password: string(pw)}, nil
}

// terminalDecider asks the user whether to trust a certificate the system
// roots reject. Without a terminal every challenge is declined.
type terminalDecider struct {
	in          io.Reader
	out         io.Writer
	interactive bool
}

func newTerminalDecider(in *os.File, out io.Writer) *terminalDecider {
	return &terminalDecider{in: in, out: out, interactive: term.IsTerminal(int(in.Fd()))}
}

func (d *terminalDecider) Decide(ctx context.Context, ch orchestrate.Challenge) (orchestrate.TrustDecision, error) {
	if !d.interactive {
		fmt.Fprintf(d.out, "untrusted certificate for %s (sha256 %s)\n", ch.Host, ch.Fingerprint)
		return orchestrate.TrustDecline, nil
	}
	fmt.Fprintf(d.out, "The certificate of %s is not trusted.\n", ch.Host)
	if ch.Certificate != nil {
		fmt.Fprintf(d.out, "  subject: %s\n  issuer:  %s\n  expires: %s\n",
			ch.Certificate.Subject, ch.Certificate.Issuer, ch.Certificate.NotAfter.Format("2006-01-02"))
	}
	fmt.Fprintf(d.out, "  sha256:  %s\nTrust it for this session? [y/N] ", ch.Fingerprint)

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(d.in).ReadString('\n')
		answer <- line
	}()
	select {
	case line := <-answer:
		return parseYes(line), nil
	case <-ctx.Done():
		fmt.Fprintln(d.out)
		return orchestrate.TrustDecline, ctx.Err()
	}
}

func parseYes(line string) orchestrate.TrustDecision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return orchestrate.TrustGrant
	default:
		return orchestrate.TrustDecline
	}
}
