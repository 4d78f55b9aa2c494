// Command dezap is the LAN-first encrypted messenger and file courier.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"dezap/config"
	"dezap/logging"
	"dezap/service"
	"dezap/storage"
)

// Exit codes of the one-shot verbs.
const (
	exitOK          = 0
	exitConfig      = 2
	exitNetwork     = 3
	exitDenied      = 4
	exitFile        = 5
	exitInterrupted = 130
)

func main() {
	if err := rootCommand().Run(context.Background(), os.Args); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintf(os.Stderr, "dezap: %v\n", err)
		os.Exit(code)
	}
}

// exitError carries an explicit process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func exitCodeFor(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	var kind *service.KindError
	if errors.As(err, &kind) {
		return exitCodeForKind(kind.Kind)
	}
	return 1
}

func exitCodeForKind(kind service.ErrorKind) int {
	switch kind {
	case service.ErrorConfiguration, service.ErrorTooLarge:
		return exitConfig
	case service.ErrorTransport, service.ErrorTimeout, service.ErrorProtocol:
		return exitNetwork
	case service.ErrorDenied:
		return exitDenied
	case service.ErrorFileSystem, service.ErrorIntegrity:
		return exitFile
	case service.ErrorCancelled:
		return exitInterrupted
	default:
		return 1
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:        "dezap",
		Usage:       "encrypted LAN chat and file transfer",
		Description: "Peer-to-peer messenger for local networks: QUIC transport, end-to-end encrypted chat, consent-based file transfer.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config.toml",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "debug-level logging",
			},
			&cli.BoolFlag{
				Name:  "vv",
				Usage: "trace-level logging",
			},
			&cli.BoolFlag{
				Name:  "disable-discovery",
				Usage: "do not answer or send discovery probes",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "tui",
				Usage: "Run the interactive terminal front end",
				Action: func(ctx context.Context, c *cli.Command) error {
					return exitf(exitConfig, "the TUI front end ships as a separate build; use listen, send, or send-file")
				},
			},
			{
				Name:  "listen",
				Usage: "Run the headless service and log every event",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bind", Usage: "listener address (host:port)"},
					&cli.StringFlag{Name: "password", Usage: "require this password from peers"},
				},
				Action: listenAction,
			},
			{
				Name:  "send",
				Usage: "Send one chat message and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "peer address or saved peer handle"},
					&cli.StringFlag{Name: "connect", Usage: "peer address (overrides --to)"},
					&cli.StringFlag{Name: "text", Usage: "message body", Required: true},
					&cli.StringFlag{Name: "password", Usage: "listener password"},
				},
				Action: sendAction,
			},
			{
				Name:  "send-file",
				Usage: "Offer one file to a peer and wait for the transfer to finish",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "peer address or saved peer handle"},
					&cli.StringFlag{Name: "connect", Usage: "peer address (overrides --to)"},
					&cli.StringFlag{Name: "path", Usage: "file to send", Required: true},
					&cli.StringFlag{Name: "password", Usage: "listener password"},
				},
				Action: sendFileAction,
			},
		},
	}
}

// bootstrap loads settings and builds the service for one verb.
func bootstrap(c *cli.Command, quiet bool) (config.Settings, *service.Service, zerolog.Logger, error) {
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return config.Settings{}, nil, zerolog.Nop(), exitf(exitConfig, "load configuration: %v", err)
	}
	if c.Bool("disable-discovery") {
		settings.Discovery.Enabled = false
	}

	verbosity := 0
	if c.Bool("verbose") {
		verbosity = 1
	}
	if c.Bool("vv") {
		verbosity = 2
	}
	log := logging.New(settings.Logging.Level, verbosity, quiet)

	svc, err := service.New(settings, log)
	if err != nil {
		return config.Settings{}, nil, log, exitf(exitConfig, "start service: %v", err)
	}
	return settings, svc, log, nil
}

func listenAction(ctx context.Context, c *cli.Command) error {
	settings, svc, log, err := bootstrap(c, false)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	if err := svc.Do(runCtx, service.Listen{
		Bind:     c.String("bind"),
		Password: c.String("password"),
	}); err != nil {
		return wrapServiceErr(err)
	}

	for {
		select {
		case <-runCtx.Done():
			// Run tears everything down on cancellation.
			<-done
			log.Info().Msg("interrupted, shut down")
			return nil
		case event := <-svc.Events():
			logEvent(log, event)
			if offer, ok := event.(service.FileOfferReceived); ok {
				// Headless mode accepts every offer into the download dir.
				target := filepath.Join(settings.Paths.DownloadDir, filepath.Base(offer.SaveName))
				if err := svc.Do(runCtx, service.AcceptFile{OfferID: offer.OfferID, TargetPath: target}); err != nil {
					log.Warn().Err(err).Msg("auto-accept failed")
				}
			}
		}
	}
}

func sendAction(ctx context.Context, c *cli.Command) error {
	return runOneShot(ctx, c, func(runCtx context.Context, svc *service.Service, settings config.Settings, session service.SessionID) error {
		if err := svc.Do(runCtx, service.SendText{
			Session: session,
			Body:    []byte(c.String("text")),
		}); err != nil {
			return wrapServiceErr(err)
		}
		return nil
	})
}

func sendFileAction(ctx context.Context, c *cli.Command) error {
	return runOneShot(ctx, c, func(runCtx context.Context, svc *service.Service, settings config.Settings, session service.SessionID) error {
		if err := svc.Do(runCtx, service.SendFile{
			Session: session,
			Path:    c.String("path"),
		}); err != nil {
			return wrapServiceErr(err)
		}

		for {
			event, err := nextEvent(runCtx, svc)
			if err != nil {
				return err
			}
			switch e := event.(type) {
			case service.FileTransferCompleted:
				return nil
			case service.FileTransferFailed:
				return exitf(exitCodeForKind(e.Kind), "file transfer failed: %s", e.Kind)
			case service.Disconnected:
				return exitf(exitNetwork, "peer disconnected: %s", e.Reason)
			}
		}
	})
}

// runOneShot connects to the target peer, invokes the verb body, then
// disconnects and shuts the service down.
func runOneShot(ctx context.Context, c *cli.Command, body func(context.Context, *service.Service, config.Settings, service.SessionID) error) error {
	settings, svc, _, err := bootstrap(c, false)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	addr, err := resolveTarget(c, settings)
	if err != nil {
		return err
	}

	if err := svc.Do(runCtx, service.Connect{Addr: addr, Password: c.String("password")}); err != nil {
		return wrapServiceErr(err)
	}

	session, err := awaitConnected(runCtx, svc)
	if err != nil {
		return err
	}

	bodyErr := body(runCtx, svc, settings, session)

	if bodyErr == nil {
		_ = svc.Do(runCtx, service.Disconnect{Session: session})
		awaitDisconnected(runCtx, svc, session)
	}
	_ = svc.Do(runCtx, service.Shutdown{})
	<-done

	if bodyErr == nil && runCtx.Err() != nil && ctx.Err() == nil {
		return exitf(exitInterrupted, "interrupted")
	}
	return bodyErr
}

// resolveTarget picks the peer address: --connect, then --to as host:port,
// then --to as a saved peer handle, then the configured default peer.
func resolveTarget(c *cli.Command, settings config.Settings) (string, error) {
	if addr := c.String("connect"); addr != "" {
		return addr, nil
	}

	to := c.String("to")
	if to == "" {
		if settings.Peer.DefaultPeer != "" {
			return settings.Peer.DefaultPeer, nil
		}
		return "", exitf(exitConfig, "no target peer: use --to or --connect")
	}
	if _, _, err := net.SplitHostPort(to); err == nil {
		return to, nil
	}

	registry, err := storage.OpenPeerRegistry(settings.Paths.PeersFile)
	if err != nil {
		return "", exitf(exitFile, "load saved peers: %v", err)
	}
	for _, peer := range registry.List() {
		if peer.Handle == to {
			return peer.Addr, nil
		}
	}
	return "", exitf(exitConfig, "unknown peer %q: not an address and not a saved handle", to)
}

func awaitConnected(ctx context.Context, svc *service.Service) (service.SessionID, error) {
	for {
		event, err := nextEvent(ctx, svc)
		if err != nil {
			return 0, err
		}
		switch e := event.(type) {
		case service.Connected:
			return e.Session, nil
		case service.Disconnected:
			if e.Reason == service.ReasonDenied {
				return 0, exitf(exitDenied, "peer denied the connection: %s", e.Detail)
			}
			return 0, exitf(exitNetwork, "connection failed: %s", e.Reason)
		case service.Error:
			if e.Kind == service.ErrorTransport {
				return 0, exitf(exitNetwork, "%s", e.Detail)
			}
		}
	}
}

func awaitDisconnected(ctx context.Context, svc *service.Service, session service.SessionID) {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case event := <-svc.Events():
			if e, ok := event.(service.Disconnected); ok && e.Session == session {
				return
			}
		}
	}
}

func nextEvent(ctx context.Context, svc *service.Service) (service.Event, error) {
	select {
	case <-ctx.Done():
		return nil, exitf(exitInterrupted, "interrupted")
	case event := <-svc.Events():
		return event, nil
	}
}

func wrapServiceErr(err error) error {
	var kind *service.KindError
	if errors.As(err, &kind) {
		return &exitError{code: exitCodeForKind(kind.Kind), err: err}
	}
	return err
}

func logEvent(log zerolog.Logger, event service.Event) {
	switch e := event.(type) {
	case service.SavedPeersLoaded:
		log.Info().Int("count", len(e.Peers)).Msg("saved peers loaded")
	case service.ListenerStarted:
		log.Info().Str("addr", e.Addr).Msg("listening")
	case service.ListenerStopped:
		log.Info().Msg("listener stopped")
	case service.Connecting:
		log.Info().Str("addr", e.Addr).Msg("connecting")
	case service.Connected:
		log.Info().Uint64("session", uint64(e.Session)).Str("handle", e.Handle).Str("addr", e.Addr).Msg("peer connected")
	case service.Disconnected:
		log.Info().Uint64("session", uint64(e.Session)).Str("reason", e.Reason.String()).Str("detail", e.Detail).Msg("peer disconnected")
	case service.MessageReceived:
		log.Info().Uint64("session", uint64(e.Session)).Str("body", string(e.Body)).Msg("message")
	case service.MessageFailed:
		log.Warn().Uint64("session", uint64(e.Session)).Str("kind", e.Kind.String()).Msg("message failed")
	case service.FileOfferReceived:
		log.Info().Str("offer", e.OfferID.String()).Str("name", e.SaveName).Uint64("size", e.Meta.OriginalSize).Msg("file offered")
	case service.FileOfferRejected:
		log.Info().Str("offer", e.OfferID.String()).Str("reason", e.Reason.String()).Msg("file offer rejected")
	case service.FileTransferProgress:
		log.Debug().Str("offer", e.OfferID.String()).Uint64("bytes", e.BytesTransferred).Uint64("total", e.Total).Msg("transfer progress")
	case service.FileTransferCompleted:
		log.Info().Str("offer", e.OfferID.String()).Str("path", e.Path).Msg("transfer completed")
	case service.FileTransferFailed:
		log.Warn().Str("offer", e.OfferID.String()).Str("kind", e.Kind.String()).Msg("transfer failed")
	case service.DiscoveredPeers:
		log.Info().Int("count", len(e.Peers)).Msg("discovery results")
	case service.Error:
		log.Warn().Str("kind", e.Kind.String()).Str("detail", e.Detail).Msg("service error")
	}
}
