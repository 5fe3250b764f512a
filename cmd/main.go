// AI client and reference proxy
//
// This command sends prompts through the resilient client, inspects the
// bearer credential used for proxied calls, or runs the reference proxy
// that issues credentials and forwards prompts upstream.
//
// CLI Usage:
//
//	--prompt="text"
//	  Sends a prompt and prints the answer.
//	  Example: ./aiclient --prompt="Summarise RFC 9110 in one line"
//
//	--json
//	  Asks for a structured JSON answer and prints the normalised JSON.
//	  Example: ./aiclient --prompt="List three colours as a JSON array" --json
//
//	--get-token
//	  Acquires a proxy credential and prints its fingerprint and expiry.
//
//	--serve
//	  Runs the reference proxy. This is the default when no other flag is given.
//
//	--disable-auth
//	  Accepts every API key and bearer token on the reference proxy.
//
// Environment Variables:
//   - AICLIENT_CONFIG: Path to a YAML configuration file
//   - AICLIENT_PROVIDER, AICLIENT_API_KEY, AICLIENT_ENDPOINT, AICLIENT_DEPLOYMENT, AICLIENT_MODEL: Direct provider credentials
//   - AICLIENT_PROXY_URL: Hosted proxy used when direct credentials are incomplete
//   - AICLIENT_TOKEN_URL / AICLIENT_TOKEN_SECRET: Remote issuer or local signing secret for proxy credentials
//   - VALID_API_KEYS: Comma-separated list of API keys accepted by the proxy token endpoint
//   - DISABLE_AUTH: Set to "true" or "1" to disable API key verification
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"aiclient/internal/app"
	"aiclient/internal/auth"
	"aiclient/internal/llm"
	"aiclient/internal/logging"
	"aiclient/pkg/utils"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// loadEnvFile loads environment variables from a .env file if present.
// It attempts to load from the current directory and parent directories
// up to the root directory.
func loadEnvFile() {
	// Try current directory first
	err := godotenv.Load()
	if err == nil {
		log.Debug("loaded environment variables from .env file in current directory")
		return
	}

	workDir, err := os.Getwd()
	if err != nil {
		log.Warnf("could not determine current directory: %v", err)
		return
	}

	for dir := workDir; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				log.Debugf("loaded environment variables from %s", envPath)
				return
			}
		}
	}

	log.Debug("no .env file found, using existing environment variables")
}

func main() {
	loadEnvFile()

	configPath := flag.String("config", "", "Path to a YAML configuration file (default $AICLIENT_CONFIG)")
	prompt := flag.String("prompt", "", "Send a prompt and print the answer")
	wantJSON := flag.Bool("json", false, "Request a structured JSON answer")
	maxTokens := flag.Int("max-tokens", 0, "Maximum output tokens (0 uses the default)")
	temperature := flag.Float64("temperature", 0.7, "Sampling temperature")
	getToken := flag.Bool("get-token", false, "Acquire a proxy credential and print its details")
	serve := flag.Bool("serve", false, "Run the reference proxy server")
	disableAuth := flag.Bool("disable-auth", false, "Disable API key authorization and accept all requests")
	flag.Parse()

	cfg := llm.GetConfig()
	if *configPath != "" {
		var err error
		if cfg, err = llm.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}

	if err := logging.Setup(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File}); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logging.Close()

	if *disableAuth {
		os.Setenv("DISABLE_AUTH", "true")
		log.Warn("API authorization is disabled - all requests will be accepted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *getToken:
		if err := printCredential(ctx, cfg); err != nil {
			log.Fatalf("Failed to acquire credential: %v", err)
		}
	case *prompt != "":
		req := llm.Request{
			Prompt:              *prompt,
			WantsStructuredJSON: *wantJSON,
			MaxOutputTokens:     *maxTokens,
			Temperature:         *temperature,
		}
		if err := ask(ctx, cfg, req); err != nil {
			log.WithField("remediation", string(llm.RemediationFor(err))).Fatalf("Request failed: %v", err)
		}
	default:
		if !*serve && flag.NFlag() == 0 {
			fmt.Println("Running in server mode. Use --help for CLI options.")
		}
		if err := runServer(ctx, cfg); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}
}

func ask(ctx context.Context, cfg *llm.Config, req llm.Request) error {
	client := llm.NewClient(cfg, llm.NewCredentialManager(cfg))

	res, err := client.Ask(ctx, req)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"mode":     res.Mode.String(),
		"attempts": res.Attempts,
		"tokens":   res.Usage.TotalTokens,
	}).Info("request completed")

	if res.JSON == nil {
		fmt.Println(res.Text)
		return nil
	}
	out, err := json.MarshalIndent(res.JSON, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printCredential(ctx context.Context, cfg *llm.Config) error {
	cred, err := llm.NewCredentialManager(cfg).GetCredential(ctx, false)
	if err != nil {
		return err
	}
	fmt.Printf("Credential: %s (%s)\n", utils.MaskToken(cred.Token), auth.Fingerprint(cred.Token))
	fmt.Printf("Issued to:  %s on %s (%s)\n", cred.Owner.Username, cred.Owner.DeviceID, cred.Owner.SourceIP)
	fmt.Printf("Expires at: %s (in %s)\n", cred.ExpiresAt.Format(time.RFC3339), time.Until(cred.ExpiresAt).Round(time.Second))
	return nil
}

func runServer(ctx context.Context, cfg *llm.Config) error {
	a := app.NewApp(cfg)

	if cfg.Token.Secret == "" {
		log.Warn("no token secret configured, /api/token and /api/prompt will reject requests")
	}
	if !cfg.Direct().Complete() {
		log.WithField("missing", cfg.Direct().Missing()).Warn("upstream provider credentials incomplete")
	}

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("starting server on %s", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during server shutdown: %w", err)
	}
	log.Info("server gracefully stopped")
	return nil
}
