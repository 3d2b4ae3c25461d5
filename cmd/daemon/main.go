package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/daemon"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/logging"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/wireproto"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	port := flag.Int("port", 8081, "port to listen on")
	format := flag.String("format", "pcm", "default audio format: pcm or wav")
	sampleRate := flag.Int("sample-rate", 16000, "default sample rate in Hz")
	channels := flag.Int("channels", 1, "default channel count")
	bitDepth := flag.Int("bit-depth", 16, "default bit depth")
	debug := flag.Bool("debug", false, "enable verbose logging")
	flag.Parse()

	if os.Getenv("AUDIO_DEBUG") == "1" {
		*debug = true
	}

	if *format != "pcm" && *format != "wav" {
		log.Fatalf("daemon: invalid --format %q, must be pcm or wav", *format)
	}

	logger, err := logging.NewZap(*debug)
	if err != nil {
		log.Fatalf("daemon: failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("daemon: starting",
		"port", *port,
		"format", *format,
		"sampleRate", *sampleRate,
		"channels", *channels,
		"bitDepth", *bitDepth,
	)

	encoding := "pcm_s16le"
	if *format == "wav" {
		encoding = "wav"
	}
	defaultFormat := wireproto.AudioFormat{
		Encoding:   encoding,
		SampleRate: *sampleRate,
		Channels:   *channels,
		BitDepth:   *bitDepth,
	}

	srv := daemon.New(logger, daemon.WithDefaultFormat(defaultFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		logger.Error("daemon: exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("daemon: stopped gracefully")
}
