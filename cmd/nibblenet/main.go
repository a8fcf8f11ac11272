package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "nibblenet"
	app.Usage = "Run and probe framed binary protocol servers over TCP or WebSocket."
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "the config file, overridden by NIBBLE_* environment variables",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Value: false,
			Usage: "use the development logger at debug level",
		},
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:    "serve",
			Aliases: []string{"s"},
			Usage:   "Start a chat server with echo (id 1) and room broadcast (id 2) protocols",
			Action:  serveCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "addr",
					Aliases: []string{"a"},
					Usage:   "the address to listen on",
				},
				&cli.StringFlag{
					Name:    "transport",
					Aliases: []string{"t"},
					Usage:   "the carrier, tcp or ws",
				},
				&cli.IntFlag{
					Name:  "capacity",
					Usage: "the maximum connections per room, 0 for a single unbounded room",
				},
			},
		},
		{
			Name:    "dial",
			Aliases: []string{"d"},
			Usage:   "Connect to a server, send one echo frame and print the reply",
			Action:  dialCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "addr",
					Aliases: []string{"a"},
					Usage:   "the server address",
				},
				&cli.StringFlag{
					Name:    "transport",
					Aliases: []string{"t"},
					Usage:   "the carrier, tcp or ws",
				},
				&cli.StringFlag{
					Name:    "message",
					Aliases: []string{"m"},
					Value:   "hello",
					Usage:   "the string to echo",
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
