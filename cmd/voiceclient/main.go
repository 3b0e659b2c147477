// voiceclient joins a voice channel with a synthetic microphone. It is a
// load and smoke-test driver for the signaling server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"voxrelay/internal/client"
	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/services"
	"voxrelay/pkg/config"
	"voxrelay/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		signalURL  string
		channel    string
		serverID   string
		token      string
		userID     string
		recordPath string
		muted      bool
		deafened   bool
		frequency  float64
		duration   time.Duration
	)

	flagSet := pflag.NewFlagSet("voiceclient", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "config file (default: configs/config.yaml if present)")
	flagSet.StringVar(&signalURL, "url", "", "signaling websocket URL (overrides client.signal_url)")
	flagSet.StringVar(&channel, "channel", "", "voice channel to join")
	flagSet.StringVar(&serverID, "server", "", "server the channel belongs to")
	flagSet.StringVar(&token, "token", "", "bearer token; minted from auth.jwt_secret when empty")
	flagSet.StringVar(&userID, "user", "", "user ID to mint a token for when --token is empty")
	flagSet.StringVar(&recordPath, "record", "", "write the outgoing mu-law stream to this file")
	flagSet.BoolVar(&muted, "mute", false, "join muted")
	flagSet.BoolVar(&deafened, "deafen", false, "join deafened")
	flagSet.Float64Var(&frequency, "tone", 440, "synthetic microphone tone in Hz")
	flagSet.DurationVar(&duration, "duration", 0, "leave after this long (0 waits for a signal)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if channel == "" {
		return errors.New("--channel is required")
	}

	paths := []string{"configs/config.yaml", "config.yaml"}
	if configPath != "" {
		paths = []string{configPath}
	}
	cfg, _, err := config.LoadFirst(paths...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if signalURL == "" {
		signalURL = cfg.Client.SignalURL
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().Named("voiceclient")

	if token == "" {
		if userID == "" {
			return errors.New("either --token or --user is required")
		}
		auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
		if token, err = auth.GenerateToken(domain.UserID(userID), userID); err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
	}

	clientCfg := client.ConfigFrom(cfg)
	clientCfg.ServerID = domain.ServerID(serverID)
	clientCfg.DeviceInfo = domain.DeviceInfo{Name: "synthetic tone", Type: "voiceclient"}

	var opts []client.Option
	if recordPath != "" {
		opts = append(opts, client.WithRecorder(func() (client.Recorder, error) {
			return client.NewFileRecorder(recordPath)
		}))
	}

	devices := &client.SyntheticDevices{Frequency: frequency}
	orchestrator := client.NewOrchestrator(clientCfg, devices, client.NewWSDialer(signalURL, client.StaticToken(token)), log, opts...)

	failed := make(chan error, 1)
	orchestrator.OnStateChange(func(state client.State, err error) {
		if err != nil {
			log.Warnw("state changed", "state", state.String(), "error", err)
		} else {
			log.Infow("state changed", "state", state.String())
		}
		if state == client.StateFailed || (state == client.StateIdle && err != nil) {
			select {
			case failed <- err:
			default:
			}
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.SetMuted(muted); err != nil {
		return err
	}
	if err := orchestrator.SetDeafened(deafened); err != nil {
		return err
	}
	if err := orchestrator.Join(ctx, domain.ChannelID(channel)); err != nil {
		return fmt.Errorf("join %s: %w", channel, err)
	}
	log.Infow("joined", "channel", channel, "members", orchestrator.Members())

	var timeout <-chan time.Time
	if duration > 0 {
		timeout = time.After(duration)
	}

	select {
	case <-ctx.Done():
		log.Info("interrupted, leaving")
	case <-timeout:
		log.Info("duration elapsed, leaving")
	case err := <-failed:
		_ = orchestrator.Close()
		return fmt.Errorf("session ended: %w", err)
	}

	return orchestrator.Close()
}
