package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"trialguard/internal/license"
)

// keyPrompt asks for an activation key on out. A terminal stdin reads
// with echo disabled; anything else is read line by line, and end of
// input cancels.
func keyPrompt(in io.Reader, out io.Writer) license.KeyPrompt {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		return func(ctx context.Context) (string, bool) {
			if ctx.Err() != nil {
				return "", false
			}
			fmt.Fprint(out, "Activation key: ")
			key, err := term.ReadPassword(fd)
			fmt.Fprintln(out)
			if err != nil {
				return "", false
			}
			return strings.TrimSpace(string(key)), true
		}
	}

	reader := bufio.NewReader(in)
	return func(ctx context.Context) (string, bool) {
		if ctx.Err() != nil {
			return "", false
		}
		fmt.Fprint(out, "Activation key: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", false
		}
		return strings.TrimSpace(line), true
	}
}
