package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/classifier"
	"github.com/orientinsight/bookingmail/internal/credential"
	"github.com/orientinsight/bookingmail/internal/extract"
	"github.com/orientinsight/bookingmail/internal/importer"
	"github.com/orientinsight/bookingmail/internal/logging"
	"github.com/orientinsight/bookingmail/internal/mailbox/imap"
	"github.com/orientinsight/bookingmail/internal/model"
	"github.com/orientinsight/bookingmail/internal/notify"
	"github.com/orientinsight/bookingmail/internal/reconcile"
	"github.com/orientinsight/bookingmail/internal/staging"
	"github.com/orientinsight/bookingmail/internal/store"
	bmsync "github.com/orientinsight/bookingmail/internal/sync"
)

// app holds what every subcommand shares. The store is opened once here
// and injected everywhere else.
type app struct {
	cfg     *model.AppConfig
	log     *zap.Logger
	store   *store.SQLiteStore
	closers []io.Closer
}

func newApp(configPath string) (*app, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &app{cfg: cfg, log: log, store: s}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("closing resource", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// seedClassifications upserts the configured tour classifications.
// Config keys are case-folded by the loader, so codes are upper-cased.
func (a *app) seedClassifications(ctx context.Context) error {
	for code, name := range a.cfg.Reconcile.Classifications {
		c := model.Classification{Code: strings.ToUpper(code), Name: name}
		if err := a.store.UpsertClassification(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) buildStager(ctx context.Context) (staging.Stager, error) {
	switch a.cfg.Staging.Backend {
	case "minio":
		secret, err := credential.Resolve(credential.KeyMinioSecret)
		if err != nil {
			return nil, err
		}
		return staging.NewMinioStager(ctx, a.cfg.Staging.Minio, secret)
	default:
		return staging.NewFSStager(a.cfg.Staging.Dir)
	}
}

// buildNotifier always includes the log notifier; transports are added
// only when configured.
func (a *app) buildNotifier() notify.Notifier {
	n := a.cfg.Notify
	notifiers := []notify.Notifier{notify.NewLogNotifier(a.log)}

	if n.SMTP.Host != "" && len(n.SMTP.To) > 0 {
		password, err := credential.Resolve(credential.KeySMTPPassword)
		if err != nil && !errors.Is(err, credential.ErrMissing) {
			a.log.Warn("resolving SMTP password", zap.Error(err))
		}
		notifiers = append(notifiers, notify.NewSMTPNotifier(n.SMTP, password))
	}

	if len(n.Kafka.Brokers) > 0 {
		k := notify.NewKafkaNotifier(n.Kafka)
		a.closers = append(a.closers, k)
		notifiers = append(notifiers, k)
	}

	if n.Redis.Addr != "" {
		password, err := credential.Resolve(credential.KeyRedisPassword)
		if err != nil && !errors.Is(err, credential.ErrMissing) {
			a.log.Warn("resolving Redis password", zap.Error(err))
		}
		r := notify.NewRedisNotifier(n.Redis, password)
		a.closers = append(a.closers, r)
		notifiers = append(notifiers, r)
	}

	names := make([]string, 0, len(notifiers))
	for _, nt := range notifiers {
		names = append(names, nt.Name())
	}
	a.log.Info("notifiers configured", zap.Strings("notifiers", names))

	return notify.NewMulti(n.Timeout, a.log, notifiers...)
}

// buildPoller wires the full pipeline.
func (a *app) buildPoller(ctx context.Context) (*bmsync.Poller, error) {
	if err := a.seedClassifications(ctx); err != nil {
		return nil, err
	}

	if a.cfg.Mailbox.Host == "" || a.cfg.Mailbox.Username == "" {
		return nil, errors.New("mailbox.host and mailbox.username must be configured")
	}
	password, err := credential.Resolve(credential.KeyMailboxPassword)
	if err != nil {
		return nil, fmt.Errorf("mailbox password: %w", err)
	}
	apiKey, err := credential.Resolve(credential.KeyExtractionAPI)
	if err != nil {
		return nil, fmt.Errorf("extraction API key: %w", err)
	}

	a.log.Info("credentials resolved",
		zap.String("mailbox_user", a.cfg.Mailbox.Username),
		zap.String("mailbox_password", logging.MaskSecret(password)),
		zap.String("extraction_api_key", logging.MaskSecret(apiKey)),
	)

	stager, err := a.buildStager(ctx)
	if err != nil {
		return nil, err
	}

	mb := imap.NewClient(a.cfg.Mailbox, password, a.log)
	extractor := extract.NewRouter(extract.NewServiceClient(a.cfg.Extraction, apiKey, a.log), a.log)
	imp := importer.New(
		a.store,
		stager,
		extractor,
		reconcile.New(a.store, a.log),
		a.buildNotifier(),
		a.cfg.Importer,
		a.log,
	)

	return bmsync.New(
		a.cfg.Poller,
		mb,
		a.store,
		a.cfg.Allowlist.DefaultDomain,
		classifier.New(a.cfg.Classifier),
		imp,
		a.log,
	), nil
}
