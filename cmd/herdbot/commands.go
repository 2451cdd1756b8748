package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/PabloGalante/herdbot/internal/adapters/http"
	"github.com/PabloGalante/herdbot/internal/adapters/storage"
	"github.com/PabloGalante/herdbot/internal/adapters/terminal"
)

var (
	clientID string
	debug    bool

	rootCmd = &cobra.Command{
		Use:           "herdbot",
		Short:         "Chat assistant for farmers backed by a knowledge base",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat from the terminal",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation of a client",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Forget the stored conversation of a client",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "print the stored history after every turn")
	for _, c := range []*cobra.Command{chatCmd, historyCmd, resetCmd} {
		c.Flags().StringVar(&clientID, "client", storage.LocalClient, "conversation owner")
	}
	rootCmd.AddCommand(serveCmd, chatCmd, historyCmd, resetCmd)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr: ":" + a.cfg.Port,
		Handler: httpadapter.NewServer(a.svc, httpadapter.Options{
			Gatherer:  a.registry,
			RateLimit: a.cfg.HTTP.RateLimit,
			Burst:     a.cfg.HTTP.Burst,
			Debug:     a.cfg.Debug,
		}),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("herdbot API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	return terminal.New(a.svc, terminal.Options{
		In:       cmd.InOrStdin(),
		Out:      cmd.OutOrStdout(),
		ClientID: clientID,
		Debug:    a.cfg.Debug,
	}).Run(ctx)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	tl, err := a.svc.GetHistory(ctx, clientID)
	if err != nil {
		return err
	}
	if tl.SessionID != "" {
		fmt.Fprintln(cmd.OutOrStdout(), "session:", tl.SessionID)
	}
	return tl.Dump(cmd.OutOrStdout())
}

func runReset(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Reset(ctx, clientID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "history of %s cleared\n", clientID)
	return nil
}
