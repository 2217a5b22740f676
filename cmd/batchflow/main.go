// Command batchflow runs the price-list ingestion engine: serve starts
// the Scheduler, Worker Runtime, and control plane together; poll-now and
// seed drive the control plane's admin endpoints for manual testing; and
// transport reports which e-mail driver a running instance is bound to.
//
// Grounded on the teacher's cmd/mailgrid/main.go (flag parse, dispatch,
// log.Fatalf on error) and cli/cliargs.go's use of spf13/pflag, upgraded
// to github.com/spf13/cobra for this CLI's subcommand surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/priceflow/batchflow/internal/apiclient"
	"github.com/priceflow/batchflow/internal/config"
	"github.com/priceflow/batchflow/internal/control"
	"github.com/priceflow/batchflow/internal/handlers/batchdispatch"
	"github.com/priceflow/batchflow/internal/handlers/csvsplit"
	"github.com/priceflow/batchflow/internal/handlers/emailpoll"
	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/jobstore/boltstore"
	"github.com/priceflow/batchflow/internal/jobstore/redisstore"
	"github.com/priceflow/batchflow/internal/logx"
	"github.com/priceflow/batchflow/internal/objectstore"
	"github.com/priceflow/batchflow/internal/objectstore/memstore"
	"github.com/priceflow/batchflow/internal/objectstore/s3store"
	"github.com/priceflow/batchflow/internal/scheduler"
	"github.com/priceflow/batchflow/internal/transport"
	"github.com/priceflow/batchflow/internal/transport/imap"
	"github.com/priceflow/batchflow/internal/transport/mock"
	"github.com/priceflow/batchflow/internal/transport/pop3"
	"github.com/priceflow/batchflow/internal/transport/smtpreply"
	"github.com/priceflow/batchflow/internal/worker"
)

// pollScheduleName is the recurring schedule SPEC_FULL.md section 6 names.
const pollScheduleName = "email-processing"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "batchflow",
		Short: "Durable price-list ingestion engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to the engine's JSON config file")

	root.AddCommand(serveCmd(), pollNowCmd(), seedCmd(), transportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Scheduler, Worker Runtime, and control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func pollNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll-now",
		Short: "Trigger an immediate email-poll job via a running instance's control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			resp, err := http.Post(controlURL(cfg, "/poll"), "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Println("poll triggered, status:", resp.Status)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var from, subject, attachmentPath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a test e-mail into a running instance's mock transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			msg := transport.Message{
				ID:         fmt.Sprintf("seed-%d", time.Now().UnixNano()),
				From:       from,
				Subject:    subject,
				ReceivedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if attachmentPath != "" {
				data, err := os.ReadFile(attachmentPath)
				if err != nil {
					return err
				}
				msg.Attachments = []transport.Attachment{{
					Filename:    attachmentPath,
					ContentType: "text/csv",
					Bytes:       data,
				}}
			}

			body, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			resp, err := http.Post(controlURL(cfg, "/seed"), "application/json", strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Println("seed submitted, status:", resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "vendor@example.com", "Sender address for the seeded message")
	cmd.Flags().StringVar(&subject, "subject", "Price list", "Subject for the seeded message")
	cmd.Flags().StringVar(&attachmentPath, "attachment", "", "Path to a CSV file to attach")
	return cmd
}

func transportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transport",
		Short: "Report the transport kind a running instance is bound to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			resp, err := http.Get(controlURL(cfg, "/transport"))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Println(out["kind"])
			return nil
		},
	}
}

func controlURL(cfg *config.AppConfig, path string) string {
	return fmt.Sprintf("http://localhost:%d%s", cfg.Control.Port, path)
}

func runServe() error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return jobstore.Fatal(err)
	}
	if err := logx.SetLevel(cfg.Log.Level); err != nil {
		return jobstore.Fatal(err)
	}
	log := logx.New("main")

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return jobstore.Fatal(err)
	}
	defer closeStore()

	objStore, err := openObjectStore(cfg)
	if err != nil {
		return jobstore.Fatal(err)
	}

	tr, kind := openTransport(cfg)

	api := apiclient.New(apiclient.Config{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Bearer:  cfg.API.BearerToken,
		Timeout: cfg.API.APITimeout(),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(store, scheduler.Config{})
	pollJob, err := emailpoll.NewJob()
	if err != nil {
		return jobstore.Fatal(err)
	}
	if err := sched.Register(ctx, jobstore.RecurringSchedule{
		Name:       pollScheduleName,
		CronExpr:   cfg.EmailPolling.CronExpression,
		HandlerRef: pollJob.HandlerRef,
		Queue:      pollJob.Queue,
	}); err != nil {
		return jobstore.Fatal(err)
	}

	registry := worker.Registry{
		emailpoll.HandlerRef:     emailpoll.New(tr, objStore, store).Handle,
		csvsplit.HandlerRef:      csvsplit.New(objStore, store, csvsplit.Config{}).Handle,
		batchdispatch.HandlerRef: batchdispatch.New(api, tr, cfg.API.Endpoint).Handle,
	}
	runtime := worker.New(store, registry, worker.Config{
		Concurrency: cfg.Jobs.WorkerCount,
		LeaseTTL:    cfg.Jobs.LeaseTTL(),
		RetryDelays: cfg.Jobs.RetryDelays(),
	})

	controlSrv := control.New(store, tr, kind, cfg.Control.Port)

	go sched.Run(ctx, "batchflow-scheduler")
	go runtime.Run(ctx, "batchflow-worker")
	go func() {
		if err := controlSrv.Run(); err != nil {
			log.WithError(err).Error("control plane exited")
		}
	}()

	log.Info("batchflow started")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := controlSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("control plane shutdown error")
	}

	log.Info("batchflow stopped")
	return nil
}

func openStore(cfg *config.AppConfig) (jobstore.Store, func(), error) {
	switch cfg.Backend.Kind {
	case "redis":
		s := redisstore.Open(cfg.Backend.RedisURL, 0, cfg.Jobs.KeyPrefix)
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := boltstore.Open(cfg.Backend.BoltPath, cfg.Jobs.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}

func openObjectStore(cfg *config.AppConfig) (objectstore.Store, error) {
	if cfg.ObjectStore.Endpoint == "" {
		return memstore.New(), nil
	}
	return s3store.Open(context.Background(), s3store.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKeyID:     cfg.ObjectStore.AccessKey,
		SecretAccessKey: cfg.ObjectStore.SecretKey,
		Bucket:          cfg.ObjectStore.Bucket,
		UseSSL:          cfg.ObjectStore.SSL,
	})
}

func openTransport(cfg *config.AppConfig) (transport.Transport, string) {
	switch cfg.Email.Provider {
	case config.ProviderPOP3:
		return pop3.New(pop3.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			UseTLS:   cfg.Email.UseTLS,
		}), string(config.ProviderPOP3)
	case config.ProviderIMAP:
		return imap.New(imap.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			UseTLS:   cfg.Email.UseTLS,
			Mailbox:  cfg.Email.Mailbox,
			Reply: smtpreply.Config{
				Host:     cfg.Email.ReplyHost,
				Port:     cfg.Email.ReplyPort,
				Username: cfg.Email.ReplyUsername,
				Password: cfg.Email.ReplyPassword,
				From:     cfg.Email.ReplyFrom,
			},
		}), string(config.ProviderIMAP)
	default:
		return mock.New(), string(config.ProviderMock)
	}
}
