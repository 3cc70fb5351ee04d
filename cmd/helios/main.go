// Helios: EVM transaction engine over a host ledger.
//
// This binary is the emulation harness: it executes one engine instruction
// against live ledger state (JSON-RPC) or a local historical snapshot
// (replay), prints the event stream, and reports every account the
// instruction would mutate. It is how operators dry-run cancels, skips, and
// treasury sweeps before submitting them on-chain.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/heliosevm/helios/internal/types"
	"github.com/heliosevm/helios/pkg/instructions"
	"github.com/heliosevm/helios/pkg/ledger"
	"github.com/heliosevm/helios/pkg/treasury"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	backend     = flag.String("backend", "rpc", "Ledger backend: rpc, replay")
	endpoint    = flag.String("endpoint", "https://api.mainnet-beta.solana.com", "JSON-RPC endpoint (rpc backend)")
	commitment  = flag.String("commitment", "confirmed", "Commitment level: processed, confirmed, finalized")
	dataDir     = flag.String("data-dir", "/var/lib/helios", "Replay snapshot directory (replay backend)")
	programKey  = flag.String("program", "", "Engine program id (base58)")
	operatorKey = flag.String("operator", "", "Operator signer key (base58)")
	operatorHex = flag.String("operator-address", "", "Operator EVM address (0x hex)")
	whitelist   = flag.String("whitelist", "", "Comma-separated whitelisted signer keys (default: operator only)")
	payloadHex  = flag.String("payload", "", "Instruction payload (hex)")
	accountList = flag.String("accounts", "", "Comma-separated accounts as <base58>[:s][:w]")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Helios %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(ctx context.Context) error {
	program, err := types.PubkeyFromBase58(*programKey)
	if err != nil {
		return fmt.Errorf("parse -program: %w", err)
	}
	operator, err := types.PubkeyFromBase58(*operatorKey)
	if err != nil {
		return fmt.Errorf("parse -operator: %w", err)
	}
	operatorAddr, err := types.AddressFromHex(*operatorHex)
	if err != nil {
		return fmt.Errorf("parse -operator-address: %w", err)
	}
	wl, err := parseWhitelist(*whitelist, operator)
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(strings.TrimPrefix(*payloadHex, "0x"))
	if err != nil {
		return fmt.Errorf("parse -payload: %w", err)
	}
	accounts, err := parseAccounts(*accountList)
	if err != nil {
		return err
	}

	ld, closeBackend, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend()

	slot, err := ld.GetSlot()
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}
	log.Printf("Executing against slot %d", slot)

	engine := instructions.New(ld, instructions.Config{
		Program:         program,
		Operator:        operator,
		OperatorAddress: operatorAddr,
		Whitelist:       wl,
		Rent:            treasury.DefaultRent(),
		Events:          os.Stdout,
	})

	result, err := engine.Execute(payload, accounts)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	log.Printf("Instruction succeeded, %d accounts mutated", len(result))
	for key, account := range result {
		log.Printf("  %s: %d lamports, %d data bytes", key, account.Lamports, len(account.Data))
	}
	return nil
}

func openBackend(ctx context.Context) (ledger.Ledger, func(), error) {
	switch *backend {
	case "rpc":
		client, err := ledger.NewClient(ctx, ledger.ClientConfig{
			Endpoint:   *endpoint,
			Commitment: *commitment,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to %s: %w", *endpoint, err)
		}
		return client, func() {}, nil
	case "replay":
		db, err := ledger.OpenReplay(ledger.ReplayConfig{Dir: *dataDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open replay store: %w", err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.Printf("Close replay store: %v", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", *backend)
	}
}

func parseWhitelist(list string, operator types.Pubkey) (treasury.Whitelist, error) {
	if list == "" {
		return treasury.NewWhitelist(operator), nil
	}
	var keys []types.Pubkey
	for _, s := range strings.Split(list, ",") {
		key, err := types.PubkeyFromBase58(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("parse -whitelist entry %q: %w", s, err)
		}
		keys = append(keys, key)
	}
	return treasury.NewWhitelist(keys...), nil
}

// parseAccounts parses "key:sw,key:w,key" into account metas. The suffix
// letters mark the account signer (s) and writable (w).
func parseAccounts(list string) ([]instructions.AccountMeta, error) {
	if list == "" {
		return nil, nil
	}
	var metas []instructions.AccountMeta
	for _, entry := range strings.Split(list, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		key, err := types.PubkeyFromBase58(parts[0])
		if err != nil {
			return nil, fmt.Errorf("parse -accounts entry %q: %w", entry, err)
		}
		meta := instructions.AccountMeta{Key: key}
		for _, flags := range parts[1:] {
			meta.Signer = meta.Signer || strings.ContainsRune(flags, 's')
			meta.Writable = meta.Writable || strings.ContainsRune(flags, 'w')
		}
		metas = append(metas, meta)
	}
	return metas, nil
}
