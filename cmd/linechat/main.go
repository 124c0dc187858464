// Command linechat runs the line-protocol chat relay.
//
// Usage:
//
//	linechat [--config FILE] [--debug] [PORT]
//
// The port is taken from, in increasing precedence: the built-in default
// (4000), the config file, CHAT_PORT, and the PORT argument.
package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/aeolun/linechat/pkg/server"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "linechat"
	app.Usage = "multi-user chat relay over a line-delimited text protocol"
	app.ArgsUsage = "[PORT]"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "Path to TOML config file (created with defaults if missing)",
		},
		cli.BoolFlag{
			Name:  "debug,d",
			Usage: "Enable debug output",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetFormatter(&lineFormatter{})
	}

	tomlConfig, err := server.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	config := tomlConfig.ToServerConfig()

	if c.NArg() > 0 {
		port, err := server.ParsePort(c.Args().First())
		if err != nil {
			return err
		}
		config.TCPPort = port
	}

	srv := server.NewServer(config)
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("Received %s, shutting down", sig)

	return srv.Stop()
}

// lineFormatter prints one compact line per entry
type lineFormatter struct{}

func (f *lineFormatter) Format(e *log.Entry) ([]byte, error) {
	data := bytes.NewBuffer(make([]byte, 0, 128))
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if data.Len() > 0 {
			data.WriteString(" ")
		}
		fmt.Fprintf(data, "%s=%v", k, e.Data[k])
	}

	ts := e.Time.Format(time.DateTime)
	if data.Len() > 0 {
		return []byte(fmt.Sprintf("[%s] %s %s (%s)\n", ts, e.Level, e.Message, data)), nil
	}
	return []byte(fmt.Sprintf("[%s] %s %s\n", ts, e.Level, e.Message)), nil
}
