package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maildesk-io/maildesk/internal/config"
	"github.com/maildesk-io/maildesk/internal/mail/connector"
	"github.com/maildesk-io/maildesk/internal/mail/decoder"
	"github.com/maildesk-io/maildesk/internal/metrics"
	"github.com/maildesk-io/maildesk/internal/outbound"
	"github.com/maildesk-io/maildesk/internal/pipeline"
	"github.com/maildesk-io/maildesk/internal/scheduler"
	"github.com/maildesk-io/maildesk/internal/storage"
	"github.com/maildesk-io/maildesk/internal/store"
	"github.com/maildesk-io/maildesk/internal/ticketid"
)

var version = "0.1.0"

var logger = log.New(os.Stderr, "", log.LstdFlags)

func main() {
	root := &cobra.Command{
		Use:   "maildeskd",
		Short: "maildesk email-to-ticket ingestion worker",
		Long:  "maildeskd polls a mailbox and converts inbound mail into helpdesk tickets.",
	}

	root.AddCommand(workerCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(replyCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.Printf("maildeskd: %v", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maildeskd %s\n", version)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the poll scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := buildDeps(cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			if cfg.Metrics.Addr != "" {
				go func() {
					if err := deps.metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
						logger.Printf("maildeskd: metrics listener: %v", err)
					}
				}()
			}

			sched := scheduler.New(deps.pipeline, cfg.Poll.Interval, scheduler.WithLogger(logger))
			logger.Printf("maildeskd: worker started, account %s@%s", cfg.Mail.User, cfg.Mail.Host)
			err = sched.Run(ctx)
			logger.Printf("maildeskd: worker stopped")
			return err
		},
	}
}

func checkCmd() *cobra.Command {
	var probeOnly bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one poll cycle immediately and exit",
		Long:  "Runs a single ingestion cycle against the configured mailbox. With --probe only connectivity is verified; no messages are touched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()

			if probeOnly {
				if err := connector.Probe(ctx, mailAccount(cfg)); err != nil {
					return fmt.Errorf("probe failed: %w", err)
				}
				logger.Printf("maildeskd: mailbox reachable")
				return nil
			}

			deps, err := buildDeps(cfg)
			if err != nil {
				return err
			}
			defer deps.close()
			return deps.pipeline.RunCycle(ctx)
		},
	}
	cmd.Flags().BoolVar(&probeOnly, "probe", false, "only verify mailbox connectivity")
	return cmd
}

func replyCmd() *cobra.Command {
	var ticketID, message string
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Send an outgoing reply on a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			mailer, err := outbound.NewSMTPMailer(outbound.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.User,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
				UseTLS:   cfg.SMTP.UseTLS,
			}, logger)
			if err != nil {
				return err
			}

			svc := outbound.NewReplyService(store.NewTicketStore(db), mailer, cfg.SMTP.From, logger)
			responseID, err := svc.Reply(ctx, ticketID, message)
			if err != nil {
				return err
			}
			logger.Printf("maildeskd: reply sent on %s, response %d", ticketID, responseID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id to reply on")
	cmd.Flags().StringVar(&message, "message", "", "reply body")
	cmd.MarkFlagRequired("ticket")
	cmd.MarkFlagRequired("message")
	return cmd
}

type deps struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
}

func (d *deps) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Printf("maildeskd: closing store: %v", err)
		}
	}
}

func buildDeps(cfg *config.Config) (*deps, error) {
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	tickets := store.NewTicketStore(db)
	ledger := store.NewLedger(db)

	staging, err := storage.NewStaging(cfg.Attachments.Dir, storage.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, err
	}

	allocator := ticketid.New(tickets, ticketid.WithLogger(logger))
	dec := decoder.New(decoder.WithLogger(logger))
	m := metrics.New()

	p, err := pipeline.New(mailAccount(cfg), dec, ledger, allocator, tickets, staging,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &deps{store: db, pipeline: p, metrics: m}, nil
}

func mailAccount(cfg *config.Config) connector.Account {
	return connector.Account{
		Protocol:       cfg.Mail.Protocol,
		Host:           cfg.Mail.Host,
		Port:           cfg.Mail.Port,
		Username:       cfg.Mail.User,
		Password:       cfg.Mail.Password,
		Folder:         cfg.Mail.Folder,
		SearchCriteria: cfg.Mail.SearchCriteria,
		DialTimeout:    cfg.Mail.DialTimeout,
	}
}
