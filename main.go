package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/poa-network/coordinator/cli/run"
)

func main() {
	app := cli.NewApp()
	app.Name = "poa-coordinator"
	app.Version = "0.1.0"
	app.Usage = "Proof-of-Access challenge coordination server"
	app.Commands = run.NewCommands()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
