package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/relay-chat/chat"
	"github.com/gosuda/relay-chat/relay"
)

var rootCmd = &cobra.Command{
	Use:   "relay-chat",
	Short: "Terminal client for the global chat relay",
	RunE:  runClient,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local development relay (websocket hub + upload endpoints)",
	RunE:  runServe,
}

var (
	flagSocketURL string
	flagUploadURL string
	flagName      string
	flagDataPath  string
	flagDebug     bool
	flagPort      int
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagSocketURL, "socket-url", envOr("CHAT_SOCKET_URL", "ws://127.0.0.1:8080/ws"), "relay websocket URL (env CHAT_SOCKET_URL)")
	flags.StringVar(&flagUploadURL, "upload-url", envOr("CHAT_UPLOAD_URL", "http://127.0.0.1:8080/upload-url"), "upload-URL issuing endpoint (env CHAT_UPLOAD_URL)")
	flags.StringVar(&flagName, "name", "", "display name to join with (skips the login prompt)")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to persist the session via PebbleDB")
	flags.BoolVar(&flagDebug, "debug", false, "enable debug logging")

	serveCmd.Flags().IntVar(&flagPort, "port", 8080, "relay listen port")
	rootCmd.AddCommand(serveCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func setupLogging() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func runClient(cmd *cobra.Command, args []string) error {
	setupLogging()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store chat.Store = chat.NewMemoryStore()
	var pstore *chat.PebbleStore
	if flagDataPath != "" {
		s, err := chat.OpenPebbleStore(flagDataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[chat] open store failed; running in memory only")
		} else {
			store = s
			pstore = s
		}
	}

	v := newView(os.Stdout)
	sess := chat.NewSession(chat.Config{
		SocketURL: flagSocketURL,
		Store:     store,
		Uploader:  chat.NewUploader(flagUploadURL),
		OnChange:  v.render,
	})
	v.attach(sess)

	if flagName != "" && sess.User() == "" {
		sess.Login(flagName)
	}
	v.printHelp()
	v.render()

	done := make(chan struct{})
	go func() {
		defer close(done)
		v.inputLoop(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}

	sess.Close()
	if pstore != nil {
		if err := pstore.Close(); err != nil {
			log.Warn().Err(err).Msg("[chat] store close error")
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer()
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", flagPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Info().Msgf("[relay] listening at http://127.0.0.1:%d (websocket at /ws)", flagPort)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[relay] http server error")
			stop()
		}
	}()

	<-ctx.Done()
	srv.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("[relay] http server shutdown error")
	}
	log.Info().Msg("[relay] shutdown complete")
	return nil
}
