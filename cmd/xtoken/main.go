package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xtoken/cmd/xtoken/cli"
	"github.com/effective-security/xtoken/internal/version"
)

type app struct {
	cli.Cli

	Sign   cli.SignCmd   `cmd:"" help:"sign a token"`
	Verify cli.VerifyCmd `cmd:"" help:"verify a token and print its claims"`
	Decode cli.DecodeCmd `cmd:"" help:"print token header and claims without verification"`
	Key    cli.KeyCmd    `cmd:"" help:"key commands"`
	Jwks   cli.JwksCmd   `cmd:"" help:"print JWKS document with the public key of the backend"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("xtoken"),
		kong.Description("CLI tool to sign and verify compact tokens"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stderr, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
