package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// PinProvider supplies the PIN sent back in response to a host challenge.
// code is the value the host put in its challenge.
type PinProvider interface {
	PIN(ctx context.Context, code string) (string, error)
}

// PinProviderFunc adapts a function to PinProvider.
type PinProviderFunc func(ctx context.Context, code string) (string, error)

func (f PinProviderFunc) PIN(ctx context.Context, code string) (string, error) {
	return f(ctx, code)
}

// EchoPin answers every challenge with the challenge's own code.
// This mirrors the host's PIN back and proves nothing about the operator;
// it exists because the host displays and sends the same PIN.
var EchoPin PinProvider = PinProviderFunc(func(_ context.Context, code string) (string, error) {
	return code, nil
})

// StaticPin answers every challenge with pin.
func StaticPin(pin string) PinProvider {
	return PinProviderFunc(func(context.Context, string) (string, error) {
		return pin, nil
	})
}

// ErrNoPIN is returned when the operator enters nothing.
var ErrNoPIN = errors.New("no PIN entered")

// TerminalPin prompts the operator on out and reads the PIN from in.
// When in is a terminal the input is not echoed.
//
// If ctx ends first and in is not a terminal, the pending read is cut
// short with a deadline and joined before returning. A terminal read
// cannot be interrupted: it stays pending, with echo off, until the
// operator presses Enter.
func TerminalPin(in *os.File, out io.Writer) PinProvider {
	return PinProviderFunc(func(ctx context.Context, _ string) (string, error) {
		fmt.Fprint(out, "Enter the PIN shown on the device: ")

		tty := isTerminal(in)
		if !tty {
			in.SetReadDeadline(time.Time{})
		}

		type result struct {
			pin string
			err error
		}
		ch := make(chan result, 1)
		go func() {
			pin, err := readPIN(in, tty)
			ch <- result{pin, err}
		}()

		select {
		case res := <-ch:
			fmt.Fprintln(out)
			if res.err != nil {
				return "", fmt.Errorf("read PIN: %w", res.err)
			}
			if res.pin == "" {
				return "", ErrNoPIN
			}
			return res.pin, nil
		case <-ctx.Done():
			fmt.Fprintln(out)
			if !tty && in.SetReadDeadline(time.Now()) == nil {
				<-ch
			}
			return "", ctx.Err()
		}
	})
}

// isTerminal reports whether in is a terminal. Only character devices
// are checked, since Fd switches the file to blocking mode and would
// disable read deadlines on pipes.
func isTerminal(in *os.File) bool {
	fi, err := in.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	return term.IsTerminal(int(in.Fd()))
}

func readPIN(in *os.File, tty bool) (string, error) {
	if tty {
		b, err := term.ReadPassword(int(in.Fd()))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
