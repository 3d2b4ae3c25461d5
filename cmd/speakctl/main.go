// Command speakctl drives pkg/orchestrator end to end: it reads text from
// its arguments (or stdin if none are given) and speaks it through a
// running daemon, printing status events as they arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/logging"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/orchestrator"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	daemonURL := flag.String("daemon", "ws://127.0.0.1:8081/", "daemon WebSocket URL")
	synthesisURL := flag.String("synthesis-url", os.Getenv("SYNTHESIS_URL"), "speech synthesis server base URL")
	voice := flag.String("voice", "F1", "voice id")
	lang := flag.String("lang", "en", "language code")
	stream := flag.Bool("stream", true, "use streaming synthesis")
	debug := flag.Bool("debug", false, "enable verbose logging")
	flag.Parse()

	if *synthesisURL == "" {
		log.Fatal("speakctl: --synthesis-url (or SYNTHESIS_URL) must be set")
	}

	text := strings.Join(flag.Args(), " ")
	if text == "" {
		stdinText, err := readStdin()
		if err != nil {
			log.Fatalf("speakctl: failed to read stdin: %v", err)
		}
		text = stdinText
	}
	if strings.TrimSpace(text) == "" {
		log.Fatal("speakctl: no text given (pass as arguments or pipe via stdin)")
	}

	logger, err := logging.NewZap(*debug)
	if err != nil {
		log.Fatalf("speakctl: failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := orchestrator.DefaultConfig()
	cfg.DaemonURL = *daemonURL
	cfg.SynthesisURL = *synthesisURL
	cfg.Voice = orchestrator.Voice(*voice)
	cfg.Language = orchestrator.Language(*lang)
	cfg.Stream = *stream

	orch := orchestrator.NewDefault(cfg, logger)
	defer orch.Close()

	orch.OnStatus(func(ev orchestrator.StatusEvent) {
		switch ev.Type {
		case orchestrator.StatusSegmentStarted:
			fmt.Printf("[speakctl] segment %d/%d...\n", ev.Segment, ev.Segments)
		case orchestrator.StatusBufferedMode:
			fmt.Printf("[speakctl] switching to buffered mode: %s\n", ev.Message)
		case orchestrator.StatusFailed:
			fmt.Printf("[speakctl] failed: %v\n", ev.Err)
		case orchestrator.StatusCompleted:
			fmt.Println("[speakctl] done")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Speak(ctx, text); err != nil {
		log.Fatalf("speakctl: speak failed: %v", err)
	}
}

func readStdin() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if (stat.Mode() & os.ModeCharDevice) != 0 {
		return "", nil
	}
	b, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
