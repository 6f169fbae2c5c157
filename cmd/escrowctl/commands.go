package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"escrowledger/crypto"
	"escrowledger/gateway/middleware"
)

// keygenScrypt is the key-derivation cost for new keystores.
var keygenScrypt = crypto.StandardScrypt

func runKeygen(_ context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("keygen", env.stderr)
	out := fs.String("out", "escrow.keystore", "path of the keystore file to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		return printError(env.stderr, "-out is required")
	}
	if _, err := os.Stat(path); err == nil {
		return printError(env.stderr, fmt.Sprintf("%s already exists", path))
	}
	pass, err := env.passphrase.Get()
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	if err := crypto.SaveToKeystoreWithParams(path, key, pass, keygenScrypt); err != nil {
		return printError(env.stderr, err.Error())
	}
	fmt.Fprintln(env.stdout, crypto.FormatIdentity(key.PubKey().Address().Array()))
	return 0
}

func runAddress(_ context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("address", env.stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(env.keystorePath) == "" {
		return printError(env.stderr, "-keystore is required")
	}
	key, err := env.loadKey()
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	fmt.Fprintln(env.stdout, crypto.FormatIdentity(key.PubKey().Address().Array()))
	return 0
}

func runToken(_ context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("token", env.stderr)
	secret := fs.String("secret", os.Getenv("ESCROW_JWT_SECRET"), "HMAC secret shared with escrowd")
	subject := fs.String("subject", "", "caller address placed in the sub claim")
	issuer := fs.String("issuer", "", "optional iss claim")
	audience := fs.String("audience", "", "optional aud claim")
	scopes := fs.String("scopes", "", "comma-separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*secret) == "" {
		return printError(env.stderr, "-secret is required")
	}
	id, err := crypto.ParseIdentity(*subject)
	if err != nil {
		return printError(env.stderr, fmt.Sprintf("-subject: %v", err))
	}
	token, err := middleware.IssueToken(*secret, crypto.FormatIdentity(id), *issuer, *audience, splitList(*scopes), *ttl)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	fmt.Fprintln(env.stdout, token)
	return 0
}

func runDeposit(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("deposit", env.stderr)
	collector := fs.String("collector", "", "collector address")
	amount := fs.String("amount", "", "amount in base units (supports 5e18 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireIdentity("-collector", *collector)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	normalized, err := normalizeAmount(*amount)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	return env.command(ctx, "/v1/escrow/deposits", map[string]string{
		"collector": crypto.FormatIdentity(id),
		"amount":    normalized,
	})
}

func runClaim(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("claim", env.stderr)
	depositor := fs.String("depositor", "", "depositor address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireIdentity("-depositor", *depositor)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	return env.command(ctx, "/v1/escrow/claims", map[string]string{"depositor": crypto.FormatIdentity(id)})
}

func runRefund(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("refund", env.stderr)
	collector := fs.String("collector", "", "collector address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireIdentity("-collector", *collector)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	return env.command(ctx, "/v1/escrow/refunds", map[string]string{"collector": crypto.FormatIdentity(id)})
}

func runFund(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("fund", env.stderr)
	address := fs.String("address", "", "address to credit")
	amount := fs.String("amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireIdentity("-address", *address)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	normalized, err := normalizeAmount(*amount)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	return env.command(ctx, "/v1/accounts/fund", map[string]string{
		"address": crypto.FormatIdentity(id),
		"amount":  normalized,
	})
}

func runLookup(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("lookup", env.stderr)
	depositor := fs.String("depositor", "", "depositor address")
	collector := fs.String("collector", "", "collector address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	dep, err := requireIdentity("-depositor", *depositor)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	col, err := requireIdentity("-collector", *collector)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	return env.query(ctx, "/v1/escrow/records/"+crypto.FormatIdentity(dep)+"/"+crypto.FormatIdentity(col), nil)
}

func runLockDuration(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("lock-duration", env.stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return env.query(ctx, "/v1/escrow/lock-duration", nil)
}

func runInbound(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("inbound", env.stderr)
	collector := fs.String("collector", "", "collector address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireIdentity("-collector", *collector)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	return env.query(ctx, "/v1/escrow/inbound/"+crypto.FormatIdentity(id), nil)
}

func runOutbound(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("outbound", env.stderr)
	depositor := fs.String("depositor", "", "depositor address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireIdentity("-depositor", *depositor)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	return env.query(ctx, "/v1/escrow/outbound/"+crypto.FormatIdentity(id), nil)
}

func runCounterparties(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("counterparties", env.stderr)
	depositor := fs.String("depositor", "", "list the collectors of this depositor")
	collector := fs.String("collector", "", "list the depositors of this collector")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if (*depositor == "") == (*collector == "") {
		return printError(env.stderr, "exactly one of -depositor or -collector is required")
	}
	query := url.Values{}
	if *depositor != "" {
		id, err := crypto.ParseIdentity(*depositor)
		if err != nil {
			return printError(env.stderr, fmt.Sprintf("-depositor: %v", err))
		}
		query.Set("depositor", crypto.FormatIdentity(id))
	} else {
		id, err := crypto.ParseIdentity(*collector)
		if err != nil {
			return printError(env.stderr, fmt.Sprintf("-collector: %v", err))
		}
		query.Set("collector", crypto.FormatIdentity(id))
	}
	return env.query(ctx, "/v1/events/counterparties", query)
}

func runBalance(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("balance", env.stderr)
	address := fs.String("address", "", "account address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireIdentity("-address", *address)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	return env.query(ctx, "/v1/accounts/"+crypto.FormatIdentity(id), nil)
}

func runEvents(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("events", env.stderr)
	filter := bindEventFlags(fs)
	limit := fs.Uint("limit", 100, "page size")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	query, err := filter.values()
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	query.Set("limit", strconv.FormatUint(uint64(*limit), 10))
	return env.query(ctx, "/v1/events/", query)
}

func (e *cliEnv) command(ctx context.Context, path string, body interface{}) int {
	c, err := e.client(true)
	if err != nil {
		return printError(e.stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	var raw json.RawMessage
	if err := c.post(ctx, path, body, &raw); err != nil {
		return printError(e.stderr, err.Error())
	}
	return printResult(e.stdout, raw)
}

func (e *cliEnv) query(ctx context.Context, path string, query url.Values) int {
	c, err := e.client(false)
	if err != nil {
		return printError(e.stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	var raw json.RawMessage
	if err := c.get(ctx, path, query, &raw); err != nil {
		return printError(e.stderr, err.Error())
	}
	return printResult(e.stdout, raw)
}

type eventFlags struct {
	depositor *string
	collector *string
	types     *string
	cursor    *uint64
}

func bindEventFlags(fs *flag.FlagSet) *eventFlags {
	return &eventFlags{
		depositor: fs.String("depositor", "", "only events of this depositor"),
		collector: fs.String("collector", "", "only events of this collector"),
		types:     fs.String("type", "", "comma-separated event types"),
		cursor:    fs.Uint64("cursor", 0, "only events after this sequence"),
	}
}

func (f *eventFlags) values() (url.Values, error) {
	query := url.Values{}
	if v := strings.TrimSpace(*f.depositor); v != "" {
		id, err := crypto.ParseIdentity(v)
		if err != nil {
			return nil, fmt.Errorf("-depositor: %w", err)
		}
		query.Set("depositor", crypto.FormatIdentity(id))
	}
	if v := strings.TrimSpace(*f.collector); v != "" {
		id, err := crypto.ParseIdentity(v)
		if err != nil {
			return nil, fmt.Errorf("-collector: %w", err)
		}
		query.Set("collector", crypto.FormatIdentity(id))
	}
	if v := strings.TrimSpace(*f.types); v != "" {
		query.Set("type", v)
	}
	if *f.cursor > 0 {
		query.Set("cursor", strconv.FormatUint(*f.cursor, 10))
	}
	return query, nil
}

func requireIdentity(flagName, value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, fmt.Errorf("%s is required", flagName)
	}
	id, err := crypto.ParseIdentity(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", flagName, err)
	}
	return id, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeAmount accepts plain integers, underscores as digit separators,
// 0x hex and decimal scientific shorthand such as 1.5e18. The result is a
// positive base-10 integer that fits in 256 bits.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("-amount is required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", fmt.Errorf("-amount must be positive")
	}
	trimmed = strings.TrimPrefix(trimmed, "+")

	var n *big.Int
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		v, ok := new(big.Int).SetString(trimmed[2:], 16)
		if !ok {
			return "", fmt.Errorf("invalid hex amount %q", value)
		}
		n = v
	} else {
		r, ok := new(big.Rat).SetString(trimmed)
		if !ok {
			return "", fmt.Errorf("invalid amount %q", value)
		}
		if !r.IsInt() {
			return "", fmt.Errorf("amount %q is not a whole number of base units", value)
		}
		n = r.Num()
	}
	if n.Sign() <= 0 {
		return "", fmt.Errorf("-amount must be positive")
	}
	u, overflow := uint256.FromBig(n)
	if overflow {
		return "", fmt.Errorf("amount %q exceeds 256 bits", value)
	}
	return u.Dec(), nil
}
