// Command currencyctl runs the currency analyzer against local files and
// checks on a running checker.
//
// Usage:
//
//	currencyctl analyze [--script path] image.jpg [more.jpg...]
//	currencyctl health [--url http://localhost:5000/api/health] [--grpc addr]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "currencyctl",
		Usage:          "Currency authenticity checker tools",
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			analyzeCommand(),
			healthCommand(),
		},
	}
}

// exitErrHandler prints the error and exits with the code from cli.Exit, or 1.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
