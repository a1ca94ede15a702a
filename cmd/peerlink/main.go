// Peerlink CLI entry point.
//
// Peerlink negotiates a direct UDP path between two machines (offer/answer,
// ICE candidates, connectivity checks) and then exchanges text lines over a
// multiplexed channel. Signaling runs over a short-lived WebSocket that the
// offerer serves, guarded by a PIN.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--role, --ws-addr, --ws-url, --config).
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/session"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

const pinLength = 6

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.StringP("config", "c", "", "YAML configuration file")
	role := flag.String("role", "", "Role: offer or answer")
	wsAddr := flag.String("ws-addr", "", "Signaling server listen address (offer only), e.g. :8080")
	wsURL := flag.String("ws-url", "", "Signaling server URL to connect to (answer only)")
	pin := flag.String("pin", "", "PIN shown by the offerer (answer only)")
	codec := flag.String("codec", "", "Signaling envelope codec: json or cbor")
	channel := flag.Uint32("channel", 0, "Multiplexer channel used for chat")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	traceMode := flag.Bool("trace", false, "Enable per-packet trace logging")
	flag.Parse()

	switch {
	case *traceMode:
		util.EnableTrace()
	case *debugMode:
		util.EnableDebug()
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
	if *role != "" {
		cfg.Role = config.Role(*role)
	}
	if *wsAddr != "" {
		cfg.WSAddr = *wsAddr
	}
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *codec != "" {
		cfg.Codec = config.WireCodec(*codec)
	}
	if *channel != 0 {
		cfg.Channel = *channel
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Peerlink — v%s", version))
	pterm.Println()

	var err error
	switch cfg.Role {
	case "":
		// No --role flag → interactive mode.
		err = runInteractive(ctx, cfg)

	case config.RoleOfferer:
		err = runOfferer(ctx, cfg)

	case config.RoleAnswerer:
		if cfg.WSURL == "" {
			util.LogError("missing --ws-url for answer role")
			os.Exit(1)
		}
		var target string
		if target, err = normalizeWSURL(cfg.WSURL, *pin); err == nil {
			err = runAnswerer(ctx, cfg, target)
		}

	default:
		util.LogError("invalid --role: must be 'offer' or 'answer'")
		os.Exit(1)
	}

	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and connection details when no --role
// flag is provided.
func runInteractive(ctx context.Context, cfg config.Config) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Offer  — Wait for a peer", "Answer — Join a waiting peer"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Offer") {
		return runOfferer(ctx, cfg)
	}
	target := askURL()
	return runAnswerer(ctx, cfg, target)
}

// runOfferer serves the rendezvous, waits for the peer and drives the offer side.
func runOfferer(ctx context.Context, cfg config.Config) error {
	pin := util.GeneratePIN(pinLength)
	srv := signaling.NewServer(pin)
	port, err := srv.Start(cfg.WSAddr)
	if err != nil {
		return err
	}
	defer srv.Close()

	pterm.DefaultBox.WithTitle("Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\n\nMetrics at http://127.0.0.1:%d/metrics", port, pin, port))
	pterm.Println()
	util.LogInfo("waiting for peer...")

	ch, err := srv.WaitForClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for peer: %w", err)
	}
	defer ch.Close()

	return runSession(ctx, cfg, ch, signaling.EstablishAsOfferer, os.Stdin, os.Stdout)
}

// runAnswerer dials the offerer's rendezvous and drives the answer side.
func runAnswerer(ctx context.Context, cfg config.Config, target string) error {
	util.LogInfo("connecting to peer...")
	ch, err := signaling.Connect(ctx, target)
	if err != nil {
		return err
	}
	defer ch.Close()

	return runSession(ctx, cfg, ch, signaling.EstablishAsAnswerer, os.Stdin, os.Stdout)
}

type establishFunc func(context.Context, *session.Session, signaling.Channel, *signaling.Adapter) error

// runSession establishes a session over ch and chats on cfg.Channel, reading
// lines from in and printing the peer's lines to out.
func runSession(ctx context.Context, cfg config.Config, ch signaling.Channel, establish establishFunc, in io.Reader, out io.Writer) error {
	codec, err := signaling.CodecFor(cfg.Codec)
	if err != nil {
		return err
	}

	sess, err := session.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close()

	sess.OnStateChange(func(st session.State) {
		util.LogDebug("session state: %s", st)
	})
	// The peer may start talking as soon as its side connects.
	sess.OnReceive(printPeer(cfg.Channel, out))

	if err := establish(ctx, sess, ch, signaling.NewAdapter(codec)); err != nil {
		return fmt.Errorf("failed to establish session: %w", err)
	}

	if pair, ok := sess.ActivePair(); ok {
		util.LogSuccess("P2P path established: %s", &pair)
	}
	util.StartStatsReporter(ctx, 5*time.Second)

	return chat(ctx, sess, cfg.Channel, in)
}

// printPeer prints lines received on channel to out.
func printPeer(channel uint32, out io.Writer) func(uint32, []byte) {
	return func(ch uint32, data []byte) {
		if ch != channel {
			util.LogDebug("ignoring %d bytes on channel %d", len(data), ch)
			return
		}
		pterm.Fprintln(out, pterm.Cyan("peer> ")+string(data))
	}
}

// chat sends lines from in on channel until in ends, the session ends or ctx
// is cancelled.
func chat(ctx context.Context, sess *session.Session, channel uint32, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	util.LogInfo("type a line and press Enter to send it; Ctrl+C to quit")
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return sess.CloseChannel(channel)
			}
			if err := sess.Send(channel, []byte(line)); err != nil {
				return fmt.Errorf("send: %w", err)
			}

		case <-sess.Done():
			return sess.Err()

		case <-ctx.Done():
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a raw host or URL and returns the /ws endpoint
// with the PIN attached.
func normalizeWSURL(raw, pin string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	q := u.Query()
	if pin != "" {
		q.Set("pin", pin)
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/ws", RawQuery: q.Encode()}).String(), nil
}

// askURL prompts for the offerer's address and PIN until a valid URL is built.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling address (e.g. 192.168.1.10:8080 or wss://***.devtunnels.ms)").
			Show()
		pin, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("PIN").
			Show()

		wsURL, err := normalizeWSURL(raw, strings.TrimSpace(pin))
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
