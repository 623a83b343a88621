package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"batchdl/internal/app"
	"batchdl/internal/config"
	"batchdl/internal/domain"
	"batchdl/internal/service"
)

type fetchOptions struct {
	listFile    string
	output      string
	title       string
	concurrency int
	archive     bool
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch [URL...] [OPTIONS]",
		Short: "Download URLs as one session and wait for it to finish",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]service.ItemRequest, 0, len(args))
			for _, arg := range args {
				items = append(items, service.ItemRequest{URL: arg})
			}
			if opts.listFile != "" {
				listed, err := readList(opts.listFile)
				if err != nil {
					return err
				}
				items = append(items, listed...)
			}
			if len(items) == 0 {
				return errors.New("no URL or list provided")
			}
			return runFetch(items, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.listFile, "list", "l", "", "YAML file listing links to download")
	cmd.Flags().StringVarP(&opts.output, "output", "o", ".", "Destination directory")
	cmd.Flags().StringVarP(&opts.title, "title", "t", "", "Session title")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 0, "Parallel downloads (0 uses the configured default)")
	cmd.Flags().BoolVar(&opts.archive, "archive", false, "Upload the finished session to the configured bucket")
	return cmd
}

func runFetch(items []service.ItemRequest, opts fetchOptions) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg.Database.Driver = "memory"
	if debug {
		cfg.Log.Level = "debug"
	}
	logger := app.NewLogger(cfg)

	stack, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stack.Shutdown(ctx); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	lifecycle := stack.Service.SubscribeEvents(watchCtx)

	id, err := stack.Service.Start(context.Background(), service.StartRequest{
		Title:       opts.title,
		Items:       items,
		Destination: opts.output,
		Concurrency: opts.concurrency,
	})
	if err != nil {
		return err
	}
	updates := stack.Service.StreamSession(watchCtx, id)
	sessionLog := logger.WithField("session_id", id)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	interrupted := sigCtx.Done()

	session, err := waitSession(stack, id, lifecycle, updates, interrupted, func() {
		// a second interrupt kills the process
		stopSignals()
		sessionLog.Warn("interrupted, cancelling after in-flight downloads settle")
		stack.Service.Cancel(context.Background(), id, false)
	})
	if err != nil {
		return err
	}

	if summary, err := stack.Service.GetSummary(context.Background(), id); err == nil {
		sessionLog.Infof("%d completed, %d failed, %d cancelled, %s downloaded",
			summary.CompletedItems, summary.FailedItems, summary.CancelledItems, humanBytes(summary.DownloadedBytes))
	}

	if session.Status != domain.SessionStatusCompleted {
		return fmt.Errorf("session %s finished %s", id, session.Status)
	}

	if opts.archive {
		if stack.Archiver == nil {
			return errors.New("archive requested but storage.bucket is not configured")
		}
		dest, err := stack.Archiver.Archive(context.Background(), id, session.Destination)
		if err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
		sessionLog.Infof("archived to %s", dest)
	}
	return nil
}

// waitSession logs item progress until the session finishes. onInterrupt runs
// once when interrupted is closed.
func waitSession(
	stack *app.App,
	id string,
	lifecycle <-chan domain.SessionEvent,
	updates <-chan domain.ProgressUpdate,
	interrupted <-chan struct{},
	onInterrupt func(),
) (*domain.DownloadSession, error) {
	logger := stack.Logger
	for {
		select {
		case <-interrupted:
			interrupted = nil
			onInterrupt()
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			logUpdate(logger, u)
		case ev, ok := <-lifecycle:
			if !ok {
				return nil, errors.New("event stream closed before the session finished")
			}
			if ev.SessionID != id || ev.Type != domain.SessionEventFinished {
				continue
			}
			return stack.Service.GetSession(context.Background(), id)
		}
	}
}

func logUpdate(logger *logrus.Logger, u domain.ProgressUpdate) {
	entry := logger.WithField("item_id", u.ItemID)
	switch u.Status {
	case domain.ItemStatusCompleted:
		entry.Infof("completed (%s)", humanBytes(u.DownloadedBytes))
	case domain.ItemStatusFailed:
		entry.Errorf("failed: %s", u.Error)
	case domain.ItemStatusCancelled:
		entry.Warn("cancelled")
	default:
		if u.TotalBytes != nil {
			entry.Debugf("%.1f%% of %s", u.Progress(), humanBytes(*u.TotalBytes))
		} else {
			entry.Debugf("%s", humanBytes(u.DownloadedBytes))
		}
	}
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
