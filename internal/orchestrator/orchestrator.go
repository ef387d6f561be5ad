// Package orchestrator runs the two phase demo: upload one file, reconnect,
// download it back, list local storage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rectcircle/sftpxfer/internal/config"
	"github.com/rectcircle/sftpxfer/internal/link"
	"github.com/rectcircle/sftpxfer/internal/sftpclient"
	"github.com/rectcircle/sftpxfer/internal/storage"
)

// ErrConnectFailed - a phase could not connect; the run stops there
var ErrConnectFailed = errors.New("connect failed")

// Connector - sets up connections
type Connector interface {
	ConnectWithRetry(ctx context.Context, cfg sftpclient.Config) (*sftpclient.Connection, error)
}

// Transferer - moves files over a connection
type Transferer interface {
	Upload(ctx context.Context, conn *sftpclient.Connection, localPath, remotePath string) (int64, error)
	Download(ctx context.Context, conn *sftpclient.Connection, remotePath, localPath string) (int64, error)
}

// Plan - fixed names of the demo run
type Plan struct {
	UploadLocal    string
	UploadRemote   string
	DownloadRemote string
	DownloadLocal  string
	ListPath       string
	PhaseDelay     time.Duration
}

// Report - outcome of every step of a run
type Report struct {
	Uploaded    int64
	UploadErr   error
	Downloaded  int64
	DownloadErr error
	Listing     []storage.Entry
	ListErr     error
}

// Err joins the transfer and listing failures.
func (r Report) Err() error {
	return errors.Join(r.UploadErr, r.DownloadErr, r.ListErr)
}

// Orchestrator - the sequence and its collaborators
type Orchestrator struct {
	Client    sftpclient.Config
	Plan      Plan
	Connector Connector
	Transfer  Transferer
	Storage   *storage.Storage

	LinkUp           link.Predicate
	LinkPollInterval time.Duration

	// Sleep waits between the phases; a ctx aware timer when nil
	Sleep func(ctx context.Context, d time.Duration) error
	Log   *logrus.Entry
}

// New wires an Orchestrator from the settings, on the host filesystem.
func New(cfg config.Config, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.WithField("component", "orchestrator")
	}
	store := storage.NewOS(cfg.StorageRoot)
	var up link.Predicate = link.Always
	if cfg.LinkInterface != "" {
		up = link.InterfaceUp(cfg.LinkInterface)
	}
	return &Orchestrator{
		Client:           cfg.ClientConfig(),
		Plan:             PlanFromConfig(cfg),
		Connector:        &sftpclient.Connector{Log: log.WithField("component", "sftp")},
		Transfer:         sftpclient.NewEngine(store, log.WithField("component", "transfer")),
		Storage:          store,
		LinkUp:           up,
		LinkPollInterval: cfg.LinkPollInterval,
		Log:              log,
	}
}

// PlanFromConfig - the file names and delay of the settings
func PlanFromConfig(cfg config.Config) Plan {
	return Plan{
		UploadLocal:    cfg.UploadLocal,
		UploadRemote:   cfg.UploadRemote,
		DownloadRemote: cfg.DownloadRemote,
		DownloadLocal:  cfg.DownloadLocal,
		ListPath:       cfg.ListPath,
		PhaseDelay:     cfg.PhaseDelay,
	}
}

// Run waits for the link, then performs the upload phase and the download
// phase on separate connections, PhaseDelay apart, and lists local storage.
// A connect failure ends the run with ErrConnectFailed. Transfer failures
// are logged, recorded in the Report and do not stop the run.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	var report Report
	log := o.logger()

	if o.LinkUp != nil {
		if err := link.Wait(ctx, o.LinkUp, o.LinkPollInterval, log); err != nil {
			return report, err
		}
	}

	err := o.phase(ctx, "upload", func(conn *sftpclient.Connection) {
		report.Uploaded, report.UploadErr = o.Transfer.Upload(ctx, conn, o.Plan.UploadLocal, o.Plan.UploadRemote)
		if report.UploadErr != nil {
			log.WithError(report.UploadErr).Error("upload failed")
			return
		}
		log.WithField("bytes", report.Uploaded).Info("upload done")
	})
	if err != nil {
		return report, err
	}

	if err := o.sleep(ctx, o.Plan.PhaseDelay); err != nil {
		return report, err
	}

	err = o.phase(ctx, "download", func(conn *sftpclient.Connection) {
		report.Downloaded, report.DownloadErr = o.Transfer.Download(ctx, conn, o.Plan.DownloadRemote, o.Plan.DownloadLocal)
		if report.DownloadErr != nil {
			log.WithError(report.DownloadErr).Error("download failed")
			return
		}
		log.WithField("bytes", report.Downloaded).Info("download done")
	})
	if err != nil {
		return report, err
	}

	if o.Storage != nil && o.Plan.ListPath != "" {
		report.Listing, report.ListErr = o.Storage.List(o.Plan.ListPath)
		if report.ListErr != nil {
			log.WithError(report.ListErr).Error("listing failed")
		}
		for _, e := range report.Listing {
			log.WithFields(logrus.Fields{"name": e.Name, "size": e.Size, "dir": e.IsDir}).Info("local file")
		}
	}
	log.Info("all done")
	return report, nil
}

func (o *Orchestrator) phase(ctx context.Context, name string, work func(conn *sftpclient.Connection)) error {
	log := o.logger().WithField("phase", name)
	log.Info("connecting")
	conn, err := o.Connector.ConnectWithRetry(ctx, o.Client)
	if err != nil {
		log.WithError(err).Error("connection failed")
		return fmt.Errorf("%s phase: %w: %w", name, ErrConnectFailed, err)
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			log.WithError(err).Warn("disconnect failed")
		}
	}()
	work(conn)
	return nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	o.logger().WithField("delay", d).Info("waiting before next phase")
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) logger() *logrus.Entry {
	if o.Log != nil {
		return o.Log
	}
	return logrus.WithField("component", "orchestrator")
}
