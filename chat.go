package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keshucs12345/dialogturn/internal/audio"
	"github.com/keshucs12345/dialogturn/internal/auth"
	"github.com/keshucs12345/dialogturn/internal/chat"
	"github.com/keshucs12345/dialogturn/internal/config"
	"github.com/keshucs12345/dialogturn/internal/console"
	"github.com/keshucs12345/dialogturn/internal/mainloop"
	"github.com/keshucs12345/dialogturn/internal/media"
	"github.com/keshucs12345/dialogturn/internal/playback"
	"github.com/keshucs12345/dialogturn/internal/sdk"
	"github.com/keshucs12345/dialogturn/internal/session"
)

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Talk to the dialogue service through the microphone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(func(app *chat.App) { app.StartVoice() })
	},
}

var textCmd = &cobra.Command{
	Use:   "text [message...]",
	Short: "Send a text message, or chat interactively without one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(func(app *chat.App) {
			if len(args) > 0 {
				app.SendText(strings.Join(args, " "))
			}
		})
	},
}

const promptHelp = `commands:
  <text>      send a message
  /N          choose button N
  /play N     play or pause the audio balloon #N
  /resume N   continue #N where it paused
  /seek N S   move #N to second S
  /stop N     rewind #N
  /pause      pause media
  /voice      switch to voice
  /stop       stop the session
  /quit       exit
Ctrl+Z stops the session and pauses media before suspending.`

func sessionSettings(cfg config.Config) session.Settings {
	s := session.DefaultSettings()
	s.SilenceTimeout = cfg.Session.SilenceTimeout
	s.RetryDelay = cfg.Session.RetryDelay
	s.MaxRetries = cfg.Session.MaxRetries
	s.StartingDelay = cfg.Session.StartingDelay
	s.WaitingDelay = cfg.Session.WaitingDelay
	s.DeviceName = cfg.Device.Name
	s.AttachDeviceInfo = cfg.Device.AttachDeviceInfo
	return s
}

func tokenEndpoint(cfg config.Config) string {
	if cfg.Auth.TokenURL != "" {
		return cfg.Auth.TokenURL
	}
	return auth.Endpoint(cfg.Connection.Host, cfg.Connection.Port, cfg.Connection.TLS)
}

func runChat(begin func(app *chat.App)) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()
	cfg := e.cfg
	logger := e.logger

	if err := audio.Init(logger); err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer audio.Shutdown(logger)

	ctx, cancel := signalContext()
	defer cancel()
	e.serveMetrics(ctx)

	e.watchTokens()

	mic := audio.NewMicrophone(logger)
	mic.SampleRate = cfg.Audio.MicSampleRate
	mic.RecordPath = cfg.Audio.RecordPath
	speech := audio.NewSpeechOutput(cfg.Audio.SpeechSampleRate, logger)
	go func() {
		if err := speech.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("speech output stopped")
		}
	}()

	fetcher := media.NewFetcher(nil)
	fetcher.RawSampleRate = cfg.Audio.RawSampleRate
	player := audio.NewMediaPlayer(fetcher, logger)

	client := sdk.NewWSClient(sdk.WSConfig{
		URL:              sdk.Endpoint(cfg.Connection.Host, cfg.Connection.Port, cfg.Connection.Path, cfg.Connection.TLS),
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		Token:            e.store.AccessToken,
	}, mic, speech, logger)

	out := console.New(os.Stdout)
	loop := mainloop.New(mainloop.SystemClock(), logger)
	app := chat.New(loop, client, out, player, chat.Options{
		Session:          sessionSettings(cfg),
		ProgressInterval: cfg.Playback.ProgressInterval,
		Refresher:        auth.NewRefresher(tokenEndpoint(cfg), nil, e.store, logger),
		Metrics:          e.metrics,
		Views:            func(tag playback.Tag) playback.View { return out.MediaView(tag) },
	}, logger)

	notifySuspend(ctx, app, logger)
	go prompt(ctx, cancel, os.Stdin, app, out)
	begin(app)
	return app.Run(ctx)
}

// prompt reads commands from in until it is closed or /quit is entered.
func prompt(ctx context.Context, quit context.CancelFunc, in io.Reader, app *chat.App, out *console.Console) {
	defer quit()
	fmt.Println(promptHelp)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/stop":
			app.Stop()
		case line == "/voice":
			app.StartVoice()
		case line == "/pause":
			app.PauseMedia()
		case strings.HasPrefix(line, "/play "),
			strings.HasPrefix(line, "/resume "),
			strings.HasPrefix(line, "/stop "),
			strings.HasPrefix(line, "/seek "):
			if err := mediaCommand(app, strings.Fields(line)); err != nil {
				out.ShowNotice(err.Error())
			}
		case strings.HasPrefix(line, "/"):
			n, err := strconv.Atoi(line[1:])
			if err != nil {
				out.ShowNotice("unknown command " + line)
				continue
			}
			btn, ok := out.Button(n)
			if !ok {
				out.ShowNotice("no button " + line[1:])
				continue
			}
			app.Choose(btn)
		default:
			app.SendText(line)
		}
	}
}

// mediaCommand runs one of the /play, /resume, /stop N and /seek commands.
func mediaCommand(app *chat.App, fields []string) error {
	usage, want := fmt.Errorf("usage: %s N", fields[0]), 2
	if fields[0] == "/seek" {
		usage, want = errors.New("usage: /seek N SECONDS"), 3
	}
	if len(fields) != want {
		return usage
	}
	pos, err := strconv.Atoi(fields[1])
	if err != nil {
		return usage
	}
	switch fields[0] {
	case "/play":
		app.PlayMedia(pos)
	case "/resume":
		app.ResumeMedia(pos)
	case "/stop":
		app.StopMedia(pos)
	case "/seek":
		secs, err := strconv.ParseFloat(fields[2], 64)
		if err != nil || secs < 0 {
			return usage
		}
		app.SeekMedia(pos, time.Duration(secs*float64(time.Second)))
	}
	return nil
}
