package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/floegence/drawchat/internal/backend"
	"github.com/floegence/drawchat/internal/config"
	"github.com/floegence/drawchat/internal/conversation"
	"github.com/floegence/drawchat/internal/settings"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "chat":
		chatCmd(os.Args[2:])
	case "init":
		initCmd(os.Args[2:])
	case "set-key":
		setKeyCmd(os.Args[2:])
	case "version":
		fmt.Printf("drawchat %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `drawchat

Usage:
  drawchat chat [flags]
  drawchat init [flags]
  drawchat set-key [flags]
  drawchat version

Commands:
  chat      Start a conversation. Prompts containing "draw" generate images.
  init      Write a config file with every default spelled out.
  set-key   Store the API key for a backend in the local secrets file.
  version   Print build information.

`)
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	envFile := fs.String("env-file", ".env", "Optional .env file with DRAWCHAT_* overrides")
	output := fs.String("output", "text", "Output format: text|ndjson")
	logFormat := fs.String("log-format", "", "Log format: json|text (empty: config value)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error (empty: config value)")
	quiet := fs.Bool("quiet", false, "Skip the welcome banner")
	_ = fs.Parse(args)

	lookup, err := config.Environ(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := loadConfig(*cfgPath, lookup, *logFormat, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(os.Stderr, cfg.EffectiveLogFormat(), cfg.EffectiveLogLevel())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logger config: %v\n", err)
		os.Exit(1)
	}

	baseURL := cfg.Backend.EffectiveBaseURL()
	secrets := settings.NewSecretsStore(config.DefaultSecretsPath(*cfgPath))
	apiKey, err := resolveAPIKey(lookup, secrets, baseURL)
	if err != nil {
		log.Warn("api key unavailable", "secrets", secrets.Path(), "error", err)
	}

	client, err := backend.NewClient(backend.Options{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Headers:      cfg.Backend.EffectiveHeaders(),
		ImageTimeout: cfg.Backend.EffectiveTimeout(),
		Log:          log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid backend: %v\n", err)
		os.Exit(1)
	}

	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()
	var out io.Writer = stdout
	if *output != "ndjson" {
		out = os.Stdout
	}
	r, err := newRenderer(*output, out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --output: %v\n\n", err)
		fs.Usage()
		os.Exit(2)
	}

	eng, err := newEngine(cfg, client, log, r.handle)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init conversation: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var promptOut io.Writer
	if _, ok := r.(*textRenderer); ok && isTerminalWriter(os.Stdin) {
		promptOut = os.Stdout
		if !*quiet {
			printWelcomeBanner(os.Stderr, welcomeBannerOptions{
				Version:      Version,
				BaseURL:      baseURL,
				Model:        cfg.Chat.EffectiveModel(),
				MaxUserTurns: eng.MaxUserTurns(),
			})
		}
	}

	log.Debug("conversation started", "base_url", baseURL, "model", cfg.Chat.EffectiveModel(), "api_key_set", apiKey != "")
	if err := runREPL(ctx, eng, os.Stdin, r, promptOut); err != nil {
		_ = stdout.Flush()
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string, lookup config.LookupFunc, logFormat string, logLevel string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(logFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(logLevel); v != "" {
		cfg.LogLevel = v
	}
	return cfg, cfg.Validate()
}

func newEngine(cfg *config.Config, b conversation.Backend, log *slog.Logger, onEvent func(conversation.Event)) (*conversation.Engine, error) {
	return conversation.NewEngine(conversation.Options{
		Backend:          b,
		Transcript:       conversation.NewTranscript(cfg.Chat.EffectiveSystemPrompt()),
		Log:              log,
		Model:            cfg.Chat.EffectiveModel(),
		MaxUserTurns:     cfg.Chat.EffectiveMaxUserTurns(),
		DefaultImageSize: cfg.Images.EffectiveDefaultSize(),
		OnEvent:          onEvent,
	})
}

// resolveAPIKey prefers DRAWCHAT_API_KEY over the secrets file. A backend without a key
// is allowed; local gateways usually need none.
func resolveAPIKey(lookup config.LookupFunc, secrets *settings.SecretsStore, baseURL string) (string, error) {
	if key, ok := config.APIKeyFromEnv(lookup); ok {
		return key, nil
	}
	key, _, err := secrets.GetAPIKey(baseURL)
	return key, err
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists (use --force to overwrite)\n", path)
		os.Exit(1)
	}
	if err := config.Save(path, config.Defaults()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", path)
}

func setKeyCmd(args []string) {
	fs := flag.NewFlagSet("set-key", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path (the secrets file lives next to it)")
	baseURL := fs.String("base-url", "", "Backend base URL (empty: the configured backend)")
	clearKey := fs.Bool("clear", false, "Remove the stored key instead of setting one")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	target := strings.TrimSpace(*baseURL)
	if target == "" {
		cfg, err := config.LoadOrDefault(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		target = cfg.Backend.EffectiveBaseURL()
	}
	secrets := settings.NewSecretsStore(config.DefaultSecretsPath(path))
	ctx := context.Background()

	if *clearKey {
		if err := secrets.ClearAPIKey(ctx, target); err != nil {
			fmt.Fprintf(os.Stderr, "failed to clear key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Cleared key for %s\n", target)
		return
	}

	key, err := readSecret(os.Stdin, os.Stderr, fmt.Sprintf("API key for %s: ", target))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read key: %v\n", err)
		os.Exit(1)
	}
	if err := secrets.SetAPIKey(ctx, target, key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Stored key for %s in %s\n", target, secrets.Path())
}

// readSecret reads one line without echo when in is a terminal, or the first line of
// in otherwise.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
