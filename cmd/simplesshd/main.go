package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/rectcircle/sftpxfer/internal/logging"
	"github.com/rectcircle/sftpxfer/internal/simplesshd"
	"github.com/rectcircle/sftpxfer/internal/variable"
	"github.com/rectcircle/sftpxfer/tools"
)

func main() {
	app := cli.NewApp()
	app.Name = "simplesshd"
	app.Usage = "Start a sample ssh server offering only the sftp subsystem"
	app.Flags = []cli.Flag{
		// Due to security, default host is loopback
		&cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "listen host"},
		&cli.UintFlag{Name: "port", Aliases: []string{"p"}, Value: uint(variable.DefaultPort), Usage: "listen port"},
		&cli.StringFlag{Name: "user", Usage: "accepted username, empty disables authentication"},
		&cli.StringFlag{Name: "password", EnvVars: []string{variable.EnvPrefix + "_SSHD_PASSWORD"}, Usage: "accepted password"},
		&cli.StringFlag{Name: "root", Value: ".", Usage: "sftp working directory"},
		&cli.StringFlag{
			Name:  "host-key",
			Value: filepath.Join(variable.ConfigBaseDir, variable.SSHHostKeyFileName),
			Usage: "host key file, created when missing",
		},
		&cli.StringFlag{Name: "log-level", Value: "info"},
		&cli.StringFlag{Name: "log-file", Usage: "also write logs to this file, rotated by size"},
	}
	app.Action = func(c *cli.Context) error {
		if err := logging.Configure(c.String("log-level"), logging.FormatText, c.String("log-file")); err != nil {
			return err
		}
		port := c.Uint("port")
		if port >= 1<<16 {
			return fmt.Errorf("port must be uint16, got %d", port)
		}
		return simplesshd.ListenAndServe(c.String("host"), uint16(port), simplesshd.Config{
			Username:    c.String("user"),
			Password:    c.String("password"),
			Root:        c.String("root"),
			HostKeyPath: c.String("host-key"),
			Log:         logging.Component("simplesshd"),
		})
	}
	tools.LogAndExitIfErr(app.Run(os.Args))
}
