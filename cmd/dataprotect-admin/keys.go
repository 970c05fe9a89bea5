package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-dataprotect/pkg/encryption"
	"github.com/dd0wney/cluso-dataprotect/pkg/hsm"
	"github.com/dd0wney/cluso-dataprotect/pkg/keys"
	"github.com/dd0wney/cluso-dataprotect/pkg/logging"
)

func handleKeysCommand(args []string) {
	if len(args) == 0 {
		printKeysUsage()
		os.Exit(1)
	}

	subcommand := args[0]

	switch subcommand {
	case "list":
		handleKeysList(args[1:])
	case "create":
		handleKeysCreate(args[1:])
	case "rotate":
		handleKeysRotate(args[1:])
	case "retire":
		handleKeysRetire(args[1:])
	case "compromise":
		handleKeysCompromise(args[1:])
	case "status":
		handleKeysStatus(args[1:])
	case "--help", "-h":
		printKeysUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown keys subcommand: %s\n\n", subcommand)
		printKeysUsage()
		os.Exit(1)
	}
}

// buildManager wires the store, gateway, and manager from config.
// The CLI never auto-provisions: minting keys is always explicit.
func buildManager(fs *flag.FlagSet) (*encryption.KeyManager, keys.Store) {
	configPath := fs.Lookup("config").Value.String()

	config, err := loadConfig(configPath)
	if err != nil {
		fatal(err)
	}
	masterKey, err := config.masterKey()
	if err != nil {
		fatal(err)
	}
	defer hsm.Zero(masterKey)

	gateway, err := hsm.NewSoftGateway(hsm.SoftGatewayConfig{
		MasterKey: masterKey,
		KeyDir:    config.KeyDir,
	})
	if err != nil {
		fatal(fmt.Errorf("opening key material store: %w", err))
	}

	var store keys.Store
	if config.DatabaseURL != "" {
		store, err = keys.NewPGStore(context.Background(), config.DatabaseURL)
	} else {
		store, err = keys.NewFileStore(config.KeysFile)
	}
	if err != nil {
		fatal(fmt.Errorf("opening key metadata store: %w", err))
	}

	ttl, err := config.keyTTL()
	if err != nil {
		fatal(err)
	}

	manager, err := encryption.NewKeyManager(store, gateway, encryption.KeyManagerConfig{
		DefaultPurpose:       config.DefaultPurpose,
		DisableAutoProvision: true,
		DefaultKeyTTL:        ttl,
	}, encryption.WithLogger(logging.NewNopLogger()))
	if err != nil {
		fatal(err)
	}
	return manager, store
}

func configFlag(fs *flag.FlagSet) {
	fs.String("config", getEnvOrDefault("DATAPROTECT_CONFIG", "dataprotect.yaml"), "Config file path")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func handleKeysList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configFlag(fs)
	purpose := fs.String("purpose", "", "Limit to one purpose (default: all)")
	fs.Parse(args)

	_, store := buildManager(fs)
	ctx := context.Background()

	var all []keys.EncryptionKey
	var err error
	if *purpose != "" {
		all, err = store.ListByPurpose(ctx, *purpose)
	} else {
		all, err = store.List(ctx)
	}
	if err != nil {
		fatal(err)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Purpose != all[j].Purpose {
			return all[i].Purpose < all[j].Purpose
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if len(all) == 0 {
		fmt.Println("No keys found.")
		return
	}

	fmt.Printf("%-36s  %-24s  %-12s  %-20s\n", "KEY ID", "PURPOSE", "STATUS", "CREATED")
	for _, key := range all {
		fmt.Printf("%-36s  %-24s  %-12s  %-20s\n",
			key.ID, key.Purpose, key.Status, key.CreatedAt.Format(time.RFC3339))
	}
}

func handleKeysCreate(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	configFlag(fs)
	purpose := fs.String("purpose", "", "Key purpose (required)")
	activate := fs.Bool("activate", false, "Activate immediately instead of leaving pending")
	rotate := fs.Bool("rotate-current", false, "Demote the current active key to decrypt-only")
	fs.Parse(args)

	if *purpose == "" {
		fatal(fmt.Errorf("--purpose is required"))
	}

	manager, _ := buildManager(fs)

	key, err := manager.CreateKey(context.Background(), encryption.CreateKeyRequest{
		Purpose:       *purpose,
		Activate:      *activate,
		RotateCurrent: *rotate,
	})
	if err != nil {
		fatal(err)
	}

	fmt.Printf("✓ Key created: %s\n", key.ID)
	fmt.Printf("  Purpose:     %s\n", key.Purpose)
	fmt.Printf("  Status:      %s\n", key.Status)
	fmt.Printf("  Fingerprint: %s\n", key.Fingerprint)
}

func handleKeysRotate(args []string) {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	configFlag(fs)
	purpose := fs.String("purpose", "", "Purpose to rotate (required)")
	reason := fs.String("reason", "", "Reason recorded on the old key")
	fs.Parse(args)

	if *purpose == "" {
		fatal(fmt.Errorf("--purpose is required"))
	}

	manager, _ := buildManager(fs)

	result, err := manager.RotateKey(context.Background(), *purpose, encryption.RotationOptions{
		Reason: *reason,
	})
	if err != nil {
		fatal(err)
	}

	fmt.Printf("✓ Rotated purpose %s\n", *purpose)
	fmt.Printf("  New key:      %s\n", result.NewKey)
	fmt.Printf("  Previous key: %s (now decrypt-only)\n", *result.PreviousKeyID)
	if result.ItemsToReEncrypt > 0 {
		fmt.Printf("  Backlog:      %d items still encrypted under the previous key\n", result.ItemsToReEncrypt)
	}
}

func handleKeysRetire(args []string) {
	fs := flag.NewFlagSet("retire", flag.ExitOnError)
	configFlag(fs)
	keyID := fs.String("key-id", "", "Key to retire (required)")
	reason := fs.String("reason", "", "Reason recorded on the key")
	fs.Parse(args)

	id := mustKeyID(*keyID)
	manager, _ := buildManager(fs)

	key, err := manager.RetireKey(context.Background(), id, *reason)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("✓ Key retired: %s\n", key.ID)
	fmt.Println("  Data still encrypted under this key is now unrecoverable.")
}

func handleKeysCompromise(args []string) {
	fs := flag.NewFlagSet("compromise", flag.ExitOnError)
	configFlag(fs)
	keyID := fs.String("key-id", "", "Key to mark compromised (required)")
	reason := fs.String("reason", "", "Reason recorded on the key")
	fs.Parse(args)

	id := mustKeyID(*keyID)
	manager, _ := buildManager(fs)

	key, err := manager.CompromiseKey(context.Background(), id, *reason)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("✓ Key marked compromised: %s\n", key.ID)
	fmt.Println("  The key can still decrypt. Re-encrypt affected data, then retire it.")
}

func handleKeysStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configFlag(fs)
	purpose := fs.String("purpose", "", "Purpose to inspect (required)")
	fs.Parse(args)

	if *purpose == "" {
		fatal(fmt.Errorf("--purpose is required"))
	}

	manager, _ := buildManager(fs)
	ctx := context.Background()

	all, err := manager.ListKeys(ctx, *purpose)
	if err != nil {
		fatal(err)
	}
	if len(all) == 0 {
		fmt.Printf("No keys for purpose %q.\n", *purpose)
		return
	}

	counts := map[keys.KeyStatus]int{}
	var active *keys.EncryptionKey
	for i, key := range all {
		counts[key.Status]++
		if key.Status == keys.KeyStatusActive {
			active = &all[i]
		}
	}

	fmt.Printf("=== Purpose: %s ===\n", *purpose)
	fmt.Printf("Total keys: %d\n", len(all))
	for _, status := range []keys.KeyStatus{
		keys.KeyStatusPending, keys.KeyStatusActive, keys.KeyStatusDecrypt,
		keys.KeyStatusCompromised, keys.KeyStatusRetired,
	} {
		if counts[status] > 0 {
			fmt.Printf("  %-12s %d\n", status, counts[status])
		}
	}
	if active != nil {
		fmt.Printf("Active key: %s (age %s)\n", active.ID, active.Age().Round(time.Minute))
	} else {
		fmt.Println("WARNING: no active key for this purpose")
	}
	if counts[keys.KeyStatusCompromised] > 0 {
		fmt.Println("WARNING: compromised keys present; re-encrypt and retire them")
	}
}

func handleInitCommand(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	output := fs.String("output", "", "Write the master key to a file instead of stdout")
	fs.Parse(args)

	masterKey := make([]byte, hsm.MasterKeySize)
	if _, err := rand.Read(masterKey); err != nil {
		fatal(fmt.Errorf("generating master key: %w", err))
	}
	keyHex := hex.EncodeToString(masterKey)
	hsm.Zero(masterKey)

	if *output != "" {
		if err := os.WriteFile(*output, []byte(keyHex), 0600); err != nil {
			fatal(fmt.Errorf("writing master key: %w", err))
		}
		fmt.Printf("✓ Master key saved to: %s\n", *output)
	} else {
		fmt.Println("Generated master key:")
		fmt.Println(keyHex)
	}
	fmt.Println()
	fmt.Println("IMPORTANT: without this key, wrapped key material cannot be recovered.")
	fmt.Println("Set it via: export DATAPROTECT_MASTER_KEY=<hex>")
	fmt.Println()
	fmt.Println("Example dataprotect.yaml:")
	fmt.Println("  key_dir: /var/lib/dataprotect/keys")
	fmt.Println("  keys_file: /var/lib/dataprotect/keys.json")
	fmt.Println("  default_purpose: graph-data")
}

func mustKeyID(s string) uuid.UUID {
	if s == "" {
		fatal(fmt.Errorf("--key-id is required"))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		fatal(fmt.Errorf("invalid key id %q: %w", s, err))
	}
	return id
}
