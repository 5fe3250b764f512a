/*
Package llm sends prompts to language model providers and returns usable text
or JSON.

# Layout

 1. Router (router.go)
    - Chooses direct transport when the provider credentials are complete
    - Otherwise falls back to the hosted proxy with a bearer credential

 2. Dispatcher (dispatcher.go, providers.go)
    - Encodes one request per provider shape (Azure OpenAI, OpenAI, Perplexity, Gemini, proxy)
    - Applies a per-attempt timeout scaled by the requested tokens
    - Retries timeouts, transport failures and 5xx; gives up at once on 4xx

 3. Client (client.go)
    - Runs router, dispatcher and the jsonrepair normalizer as one pipeline
    - Refreshes a rejected proxy credential once before failing

# Errors

Dispatch failures are returned as *DispatchError carrying an ErrorKind.
RemediationFor maps any error returned by the Client to the action a caller
should take.

# Configuration

Config is read by LoadConfig from an optional YAML file followed by
AICLIENT_* environment variables. GetConfig caches the result for the process.
*/
package llm
