// Package main implements a CLI tool for checking routing, credentials and
// dispatch against the configured provider or proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"aiclient/internal/llm"
	"aiclient/internal/logging"
	"aiclient/pkg/utils"

	log "github.com/sirupsen/logrus"
)

func main() {
	prompt := flag.String("prompt", "Hello, what can you do?", "The prompt to send")
	configPath := flag.String("config", "", "Path to a YAML configuration file (default $AICLIENT_CONFIG)")
	apiKey := flag.String("api-key", "", "Provider API key (overrides the configuration)")
	proxyURL := flag.String("proxy-url", "", "Proxy URL (overrides the configuration)")
	forceProxy := flag.Bool("force-proxy", false, "Ignore direct credentials and go through the proxy")
	structured := flag.Bool("json", false, "Ask for structured JSON")
	maxAttempts := flag.Int("max-attempts", 0, "Override the maximum number of attempts")
	debugToken := flag.Bool("debug-token", false, "Print credential debugging information")
	routeOnly := flag.Bool("route-only", false, "Print the routing decision without sending anything")
	flag.Parse()

	if *apiKey != "" {
		os.Setenv("AICLIENT_API_KEY", *apiKey)
	}
	if *proxyURL != "" {
		os.Setenv("AICLIENT_PROXY_URL", *proxyURL)
	}

	cfg := llm.GetConfig()
	if *configPath != "" {
		var err error
		if cfg, err = llm.LoadConfig(*configPath); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}
	if err := logging.Setup(logging.Options{Level: cfg.Log.Level}); err != nil {
		log.Fatalf("Error: %v", err)
	}
	if *maxAttempts > 0 {
		cfg.Retry.MaxAttempts = *maxAttempts
	}

	direct := cfg.Direct()
	if *forceProxy {
		direct = llm.DirectCredentials{}
	}

	fmt.Println("🚀 AI API Tester")
	fmt.Println("----------------------------")
	fmt.Printf("Prompt:   %s\n", *prompt)
	fmt.Printf("Provider: %s\n", getOrDefault(string(direct.Provider), "(none)"))
	if direct.APIKey != "" {
		fmt.Printf("API key:  %s\n", utils.MaskToken(direct.APIKey))
	}
	if missing := direct.Missing(); len(missing) > 0 {
		fmt.Printf("Missing:  %s\n", strings.Join(missing, ", "))
	}
	fmt.Printf("Proxy:    %s\n", getOrDefault(cfg.ProxyURL, "(none)"))

	ctx := context.Background()
	creds := llm.NewCredentialManager(cfg)
	router := llm.NewRouter(cfg.ProxyURL, creds)

	transport, err := router.SelectTransport(ctx, direct)
	if err != nil {
		log.WithField("remediation", string(llm.RemediationFor(err))).Fatalf("Routing failed: %v", err)
	}
	fmt.Printf("Route:    %s\n", transport.Mode)

	if *debugToken && transport.Credential != nil {
		DisplayTokenAnalysis(transport.Credential.Token, cfg.Token.Secret)
	}
	if *routeOnly {
		return
	}

	dispatcher := llm.NewDispatcher(append(cfg.DispatcherOptions(),
		llm.WithRetryObserver(func(s llm.RetryState) {
			fmt.Printf("⟳ attempt %d/%d failed (%s), retrying in %s\n", s.Attempt, s.MaxAttempts, s.LastError, s.BackoffDelay)
		}),
	)...)

	fmt.Println("\nSending request...")
	start := time.Now()
	raw, err := dispatcher.Dispatch(ctx, llm.Request{Prompt: *prompt, WantsStructuredJSON: *structured}, transport)
	if err != nil {
		log.WithFields(log.Fields{
			"kind":        llm.KindOf(err).String(),
			"remediation": string(llm.RemediationFor(err)),
		}).Fatalf("Error: %v", err)
	}

	fmt.Printf("Response received in %s:\n", time.Since(start).Round(time.Millisecond))
	fmt.Println("----------------------------")
	fmt.Println(raw.Text)
	fmt.Println("----------------------------")
	fmt.Printf("Tokens: prompt=%d completion=%d total=%d\n", raw.Usage.PromptTokens, raw.Usage.CompletionTokens, raw.Usage.TotalTokens)
}

// getOrDefault returns the value if non-empty, otherwise returns the default value
func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
