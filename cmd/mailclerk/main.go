package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"aaronromeo.com/mailclerk/internal/archive"
	"aaronromeo.com/mailclerk/internal/batch"
	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/identity"
	"aaronromeo.com/mailclerk/internal/notify"
	"aaronromeo.com/mailclerk/internal/replica"
	"aaronromeo.com/mailclerk/internal/source/imapsource"
	"aaronromeo.com/mailclerk/internal/telemetry"
	"aaronromeo.com/mailclerk/internal/ticket"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "mailclerk",
		Usage: "ingest mailboxes and route messages through the policy pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "mailclerk.yml",
				Usage:   "path to the YAML configuration",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run one deadline-bounded batch over all configured mailboxes",
				Action: runBatch,
			},
			{
				Name:   "sweep",
				Usage:  "run the retention sweep only, without touching any mail server",
				Action: runSweep,
			},
			{
				Name:   "validate",
				Usage:  "load and validate the configuration, then exit",
				Action: runValidate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return config.Config{}, errors.Wrap(err, "load .env")
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runValidate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, config.Summary(cfg))
	return nil
}

func runSweep(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	logger := telemetry.Logger(config.OTLPDSN())

	store, err := replica.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	for id, mb := range cfg.Mailboxes {
		if !mb.MultiSourceMode {
			continue
		}
		retention := time.Duration(mb.RetentionPeriodHours) * time.Hour
		removed, err := store.GarbageCollect(ctx,
			identity.SourcePrefix(mb.Name), mb.Folder, nil, retention)
		if err != nil {
			return errors.Wrapf(err, "sweep mailbox %s", mb.Name)
		}
		logger.InfoContext(ctx, "retention sweep done",
			slog.String("mailbox", mb.Name),
			slog.Int("mailbox_id", id+1),
			slog.Int64("removed", removed))
	}
	return nil
}

func runBatch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	dsn := config.OTLPDSN()
	shutdown, err := telemetry.Setup(ctx, dsn)
	if err != nil {
		return errors.Wrap(err, "telemetry setup")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
		}
	}()
	logger := telemetry.Logger(dsn)

	imapEnv, err := config.IMAPEnvFromEnv()
	if err != nil {
		return err
	}

	store, err := replica.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	tickets, err := ticket.NewStore(ctx, store.DB())
	if err != nil {
		return err
	}

	opts := []batch.ProcessorOption{
		batch.WithContactDirectory(tickets.Contacts()),
		batch.WithBounce(cfg.Bounce),
	}

	if smtpEnv := config.SMTPEnvFromEnv(); smtpEnv.Host != "" {
		sender, err := notify.NewSender(
			notify.WithRelay(smtpEnv.Host),
			notify.WithAuth(smtpEnv.User, smtpEnv.Pass),
			notify.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		opts = append(opts, batch.WithNotifier(sender))
	} else {
		logger.WarnContext(ctx, "SMTP relay not configured, bounces disabled")
	}

	if cfg.Archive != nil {
		s3Env, err := config.S3EnvFromEnv()
		if err != nil {
			return err
		}
		archiver, err := archive.New(
			archive.WithEnv(s3Env),
			archive.WithPrefix(cfg.Archive.Prefix),
			archive.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		opts = append(opts, batch.WithArchiver(archiver))
	}

	processor, err := batch.NewProcessor(store, tickets, logger, opts...)
	if err != nil {
		return err
	}

	metrics, err := telemetry.NewBatchMetrics()
	if err != nil {
		return errors.Wrap(err, "batch metrics")
	}

	sources, err := connectSources(cfg, imapEnv, logger)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(cfg.Batch.DeadlineSeconds) * time.Second)
	summary, err := processor.Process(ctx, sources, deadline)
	if err != nil {
		return err
	}
	metrics.Record(ctx, summary.Processed, summary.Undesired, summary.Purged,
		summary.Errors, summary.Deferred)
	return nil
}

// connectSources dials one IMAP session per configured mailbox.
// Mailbox ids are positional and stable as long as mailboxes are only
// appended to the configuration.
func connectSources(cfg config.Config, env config.IMAPEnv, logger *slog.Logger) ([]batch.Source, error) {
	addr := fmt.Sprintf("%s:%d", env.Host, env.Port)

	var sources []batch.Source
	disconnectAll := func() {
		for _, s := range sources {
			s.Source.Disconnect()
		}
	}
	for i := range cfg.Mailboxes {
		mb := &cfg.Mailboxes[i]
		src, err := imapsource.New(
			imapsource.WithTLS(addr, nil),
			imapsource.WithAuth(env.User, env.Pass),
			imapsource.WithName(mb.Name),
			imapsource.WithMailbox(mb.Folder),
			imapsource.WithLogger(logger),
		)
		if err != nil {
			disconnectAll()
			return nil, errors.Wrapf(err, "mailbox %s", mb.Name)
		}
		if err := src.Connect(); err != nil {
			disconnectAll()
			return nil, errors.Wrapf(err, "connect mailbox %s", mb.Name)
		}
		sources = append(sources, batch.Source{
			Mailbox:   mb,
			MailboxID: int64(i + 1),
			Source:    src,
		})
	}
	return sources, nil
}
