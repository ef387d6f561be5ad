package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/rectcircle/sftpxfer/internal/config"
	"github.com/rectcircle/sftpxfer/internal/logging"
	"github.com/rectcircle/sftpxfer/internal/orchestrator"
	"github.com/rectcircle/sftpxfer/internal/sftpclient"
	"github.com/rectcircle/sftpxfer/internal/storage"
	"github.com/rectcircle/sftpxfer/internal/variable"
	"github.com/rectcircle/sftpxfer/tools"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "sftpxfer"
	app.Usage = "Upload and download files over SFTP"
	app.Writer = out
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML settings file, ~/.sftpxfer/config.toml when present"},
		&cli.StringFlag{Name: "host", Usage: "server host"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "server port"},
		&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "login name"},
		&cli.StringFlag{Name: "password", Usage: "login password, prompted for when no credential is set"},
		&cli.StringFlag{Name: "key-file", Usage: "private key file"},
		&cli.BoolFlag{Name: "agent", Usage: "authenticate with the keys of ssh-agent"},
		&cli.StringFlag{Name: "known-hosts", Usage: "verify the host key against this known_hosts file"},
		&cli.IntFlag{Name: "retries", Usage: "extra connect attempts"},
		&cli.StringFlag{Name: "storage-root", Usage: "host directory holding local storage"},
		&cli.StringFlag{Name: "log-level", Usage: "panic, fatal, error, warn, info, debug or trace"},
		&cli.StringFlag{Name: "log-format", Usage: "text or json"},
		&cli.StringFlag{Name: "log-file", Usage: "also write logs to this file, rotated by size"},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "upload, reconnect, download back and list local storage",
			Action: runCommand,
		},
		{
			Name:      "upload",
			Usage:     "upload one local file",
			ArgsUsage: "LOCAL REMOTE",
			Action:    uploadCommand,
		},
		{
			Name:      "download",
			Usage:     "download one remote file",
			ArgsUsage: "REMOTE LOCAL",
			Action:    downloadCommand,
		},
		{
			Name:      "ls",
			Usage:     "list local storage",
			ArgsUsage: "[PATH]",
			Action:    lsCommand,
		},
		{
			Name:      "cat",
			Usage:     "print a file of local storage",
			ArgsUsage: "PATH",
			Action:    catCommand,
		},
		{
			Name:      "put",
			Usage:     "store standard input as a file of local storage",
			ArgsUsage: "PATH",
			Action:    putCommand,
		},
	}
	return app
}

// loadConfig layers the command line over the settings file and environment.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	if !c.IsSet("config") {
		if fallback := filepath.Join(variable.ConfigBaseDir, variable.ConfigFileName); tools.PathExist(fallback) {
			path = fallback
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("user") {
		cfg.Username = c.String("user")
	}
	if c.IsSet("password") {
		cfg.Password = c.String("password")
	}
	if c.IsSet("key-file") {
		cfg.KeyFile = c.String("key-file")
	}
	if c.IsSet("agent") {
		cfg.UseAgent = c.Bool("agent")
	}
	if c.IsSet("known-hosts") {
		cfg.KnownHostsFile = c.String("known-hosts")
	}
	if c.IsSet("retries") {
		cfg.ConnectRetries = c.Int("retries")
	}
	if c.IsSet("storage-root") {
		cfg.StorageRoot = c.String("storage-root")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if c.IsSet("log-file") {
		cfg.LogFile = c.String("log-file")
	}
	if err := logging.Configure(cfg.LogLevel, logging.Format(cfg.LogFormat), cfg.LogFile); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadClientConfig also prompts for a missing password and validates.
func loadClientConfig(c *cli.Context) (config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cfg, err
	}
	if cfg.Password == "" && cfg.KeyFile == "" && !cfg.UseAgent {
		if cfg.Password, err = promptPassword(cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func promptPassword(cfg config.Config) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprintf(os.Stderr, "%s@%s's password: ", cfg.Username, cfg.Host)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(password), nil
}

func runCommand(c *cli.Context) error {
	cfg, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	report, err := orchestrator.New(cfg, logging.Component("orchestrator")).Run(c.Context)
	if err != nil {
		return err
	}
	return report.Err()
}

func transfer(c *cli.Context, do func(ctx context.Context, e *sftpclient.Engine, conn *sftpclient.Connection, a, b string) (int64, error)) error {
	if c.NArg() != 2 {
		return fmt.Errorf("%s: expected 2 arguments, got %d", c.Command.Name, c.NArg())
	}
	cfg, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	store := storage.NewOS(cfg.StorageRoot)
	engine := sftpclient.NewEngine(store, logging.Component("transfer"))
	connector := &sftpclient.Connector{Log: logging.Component("sftp")}

	conn, err := connector.ConnectWithRetry(c.Context, cfg.ClientConfig())
	if err != nil {
		return err
	}
	n, err := do(c.Context, engine, conn, c.Args().Get(0), c.Args().Get(1))
	err = errors.Join(err, conn.Disconnect())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d bytes\n", n)
	return nil
}

func uploadCommand(c *cli.Context) error {
	return transfer(c, func(ctx context.Context, e *sftpclient.Engine, conn *sftpclient.Connection, local, remote string) (int64, error) {
		return e.Upload(ctx, conn, local, remote)
	})
}

func downloadCommand(c *cli.Context) error {
	return transfer(c, func(ctx context.Context, e *sftpclient.Engine, conn *sftpclient.Connection, remote, local string) (int64, error) {
		return e.Download(ctx, conn, remote, local)
	})
}

func lsCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path := cfg.ListPath
	if c.NArg() > 0 {
		path = c.Args().First()
	}
	entries, err := storage.NewOS(cfg.StorageRoot).List(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "-"
		if e.IsDir {
			kind = "d"
		}
		fmt.Fprintf(c.App.Writer, "%s %10d %s\n", kind, e.Size, e.Name)
	}
	return nil
}

func catCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("cat: expected 1 argument, got %d", c.NArg())
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	data, err := storage.NewOS(cfg.StorageRoot).ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(data)
	return err
}

func putCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("put: expected 1 argument, got %d", c.NArg())
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(c.App.Reader)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return storage.NewOS(cfg.StorageRoot).WriteFile(c.Args().First(), data)
}
