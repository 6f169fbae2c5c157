package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"escrowledger/cmd/internal/passphrase"
	"escrowledger/crypto"
)

const (
	envAPI        = "ESCROW_API"
	envKeystore   = "ESCROW_KEYSTORE"
	envPassphrase = "ESCROW_KEYSTORE_PASSPHRASE"
	envToken      = "ESCROW_TOKEN"
	envCaller     = "ESCROW_CALLER"
)

type command struct {
	summary string
	run     func(ctx context.Context, env *cliEnv, args []string) int
}

var commands = map[string]command{
	"keygen":         {"generate a keystore and print its address", runKeygen},
	"address":        {"print the address of the configured keystore", runAddress},
	"token":          {"mint a bearer token for a caller address", runToken},
	"deposit":        {"escrow an amount for a collector", runDeposit},
	"claim":          {"claim the escrow a depositor holds for you", runClaim},
	"refund":         {"refund your escrow for a collector after its lock expires", runRefund},
	"lookup":         {"show the escrow record of a depositor/collector pair", runLookup},
	"lock-duration":  {"show the ledger lock duration in seconds", runLockDuration},
	"inbound":        {"list escrows held for a collector", runInbound},
	"outbound":       {"list escrows funded by a depositor", runOutbound},
	"counterparties": {"list distinct counterparties of a depositor or collector", runCounterparties},
	"balance":        {"show the custody balance of an address", runBalance},
	"fund":           {"credit an address (admin scope)", runFund},
	"events":         {"list persisted escrow events", runEvents},
	"export":         {"export escrow events to parquet and csv", runExport},
}

// cliEnv is the state shared by every subcommand.
type cliEnv struct {
	stdout io.Writer
	stderr io.Writer

	apiURL       string
	keystorePath string
	token        string
	caller       string
	idempotency  string
	timeout      time.Duration

	passphrase *passphrase.Source
	httpClient *http.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	env := &cliEnv{
		stdout:     stdout,
		stderr:     stderr,
		passphrase: passphrase.NewSource(envPassphrase, "escrow keystore"),
	}
	fs := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	fs.StringVar(&env.apiURL, "api", envOr(envAPI, "http://localhost:8080"), "escrowd base URL")
	fs.StringVar(&env.keystorePath, "keystore", os.Getenv(envKeystore), "keystore used to sign requests")
	fs.StringVar(&env.token, "token", os.Getenv(envToken), "bearer token used when no keystore is set")
	fs.StringVar(&env.caller, "caller", os.Getenv(envCaller), "caller address for gateways running without auth")
	fs.StringVar(&env.idempotency, "idempotency-key", "", "explicit Idempotency-Key for commands")
	fs.DurationVar(&env.timeout, "timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	return cmd.run(ctx, env, rest[1:])
}

func usage() string {
	names := []string{
		"keygen", "address", "token", "deposit", "claim", "refund", "lookup", "lock-duration",
		"inbound", "outbound", "counterparties", "balance", "fund", "events", "export",
	}
	var b strings.Builder
	b.WriteString("Usage: escrowctl [global flags] <command> [flags]\n\nCommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-15s %s\n", name, commands[name].summary)
	}
	b.WriteString("\nGlobal flags: -api -keystore -token -caller -idempotency-key -timeout")
	return b.String()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// client builds an API client. Signing keys are only loaded for commands
// that mutate state.
func (e *cliEnv) client(sign bool) (*client, error) {
	httpClient := e.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: e.timeout}
	}
	c := &client{
		baseURL:     e.apiURL,
		httpClient:  httpClient,
		token:       strings.TrimSpace(e.token),
		caller:      strings.TrimSpace(e.caller),
		idempotency: strings.TrimSpace(e.idempotency),
	}
	if sign && strings.TrimSpace(e.keystorePath) != "" {
		key, err := e.loadKey()
		if err != nil {
			return nil, err
		}
		c.key = key
	}
	return c, nil
}

func (e *cliEnv) loadKey() (*crypto.PrivateKey, error) {
	pass, err := e.passphrase.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(e.keystorePath, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", e.keystorePath, err)
	}
	return key, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func printResult(w io.Writer, raw json.RawMessage) int {
	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Fprintln(w, strings.TrimSpace(string(raw)))
		return 0
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Fprintln(w, strings.TrimSpace(string(raw)))
		return 0
	}
	fmt.Fprintln(w, string(out))
	return 0
}
