//
//  Copyright © Manetu Inc. All rights reserved.
//

package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/manetu/flowpilot/cmd/flowpilot/subcommands/serve"
	"github.com/manetu/flowpilot/cmd/flowpilot/version"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "flowpilot",
		Usage: "A CLI application for running the FlowPilot authorization services",
		Commands: []*cli.Command{
			{
				Name:      "serve",
				Usage:     "Starts one of the FlowPilot services",
				ArgsUsage: "<authz|delegation|persona|agent>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "host",
						Usage: "The address to bind.  Empty binds all interfaces.",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "The TCP port to serve on.  Defaults to the service's standard port.",
					},
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Load configuration from `PATH` (a flowpilot-config yaml file or its directory)",
					},
					&cli.BoolFlag{
						Name:  "reload",
						Usage: "Re-read the policy manifest directory on SIGHUP without restarting",
					},
				},
				Action: serve.Execute,
			},
			{
				Name:  "version",
				Usage: "Prints the build version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Println(version.GetVersion())
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
