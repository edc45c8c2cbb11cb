package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/brandon/mailsync/internal/cli"
)

func main() {
	var c cli.CLI

	parser := kong.Must(&c,
		kong.Name("mailsync"),
		kong.Description("Multi-account mail sync with a local cache, full-text search and MCP tools"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.FatalIfErrorf(err)
	}

	var execCtx *cli.Context
	if ctx.Command() == "version" {
		execCtx = &cli.Context{Globals: &c.Globals, Out: os.Stdout}
	} else {
		execCtx, err = cli.NewContext(&c.Globals)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := ctx.Run(execCtx); err != nil {
		if c.JSON {
			execCtx.PrintJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
