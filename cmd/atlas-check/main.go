package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/config"
	"github.com/brianfofficial/atlas/internal/provider"
	"github.com/brianfofficial/atlas/internal/storage"
	"github.com/brianfofficial/atlas/internal/vault"
)

const version = "1.0.0"

// Exit codes mirror the daemon's so scripts can branch the same way.
const (
	exitConfig  = 2
	exitVault   = 3
	exitStorage = 4
)

const (
	ok   = "\033[32m[OK]\033[0m"
	fail = "\033[31m[FAIL]\033[0m"
	warn = "\033[33m[WARN]\033[0m"
	skip = "\033[90m[SKIP]\033[0m"
)

func main() {
	configPath := flag.String("config", "atlas.yaml", "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	fmt.Printf("\033[96mAtlas Gateway - Pre-Flight Diagnostic v%s\033[0m\n", version)
	fmt.Println("---------------------------------------------------------")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Configuration. Nothing else can run without it.
	fmt.Printf("Checking %-32s ", "Configuration...")
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println(fail)
		fmt.Printf("  >> Error: %v\n", err)
		os.Exit(exitConfig)
	}
	fmt.Println(ok)

	exit := 0

	// Storage. The vault probe needs it for the install salt.
	fmt.Printf("Checking %-32s ", fmt.Sprintf("Storage (%s)...", cfg.Storage.Driver))
	store, err := openStore(ctx, cfg.Storage)
	if err == nil {
		err = store.Ping(ctx)
	}
	if err != nil {
		fmt.Println(fail)
		fmt.Printf("  >> Error: %v\n", err)
		exit = exitStorage
	} else {
		fmt.Println(ok)
		defer store.Close()
	}

	// Vault round-trip: seal, unseal, delete a probe credential.
	fmt.Printf("Checking %-32s ", "Vault round-trip...")
	if exit == exitStorage {
		fmt.Println(skip, "(storage down)")
	} else if err := probeVault(ctx, store, os.Getenv(cfg.Vault.SeedEnv)); err != nil {
		fmt.Println(fail)
		fmt.Printf("  >> Error: %v\n", err)
		exit = exitVault
	} else {
		fmt.Println(ok)
	}

	// Providers are advisory: a sleeping Ollama is not a broken install.
	for _, p := range cfg.Providers {
		fmt.Printf("Checking %-32s ", fmt.Sprintf("Provider %s (%s)...", p.Name, p.Kind))
		st := probeProvider(ctx, p)
		if st.Available {
			fmt.Printf("%s %dms, %d models\n", ok, st.LatencyMS, len(st.AvailableModels))
		} else {
			fmt.Println(warn)
			fmt.Printf("  >> %s\n", st.Error)
		}
	}

	// Redis is advisory too: the cache falls back to memory.
	fmt.Printf("Checking %-32s ", "Redis cache...")
	if !cfg.Redis.Enabled {
		fmt.Println(skip, "(disabled)")
	} else if err := probeRedis(ctx, cfg.Redis); err != nil {
		fmt.Println(warn)
		fmt.Printf("  >> %v (cache will run in memory)\n", err)
	} else {
		fmt.Println(ok)
	}

	fmt.Println("---------------------------------------------------------")
	if exit == 0 {
		fmt.Println("\033[96mStatus: Ready.\033[0m")
	} else {
		fmt.Println("\033[31mStatus: Not ready.\033[0m")
	}
	os.Exit(exit)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemory(), nil
	case "postgres":
		return storage.NewPostgres(ctx, cfg.DSN)
	case "supabase":
		return storage.NewSupabase(ctx, cfg.Supabase.URL, cfg.Supabase.Key)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// probeVault stores, reveals, and deletes a throwaway credential. The
// cycle exercises the KDF, the install salt, and both GCM directions.
func probeVault(ctx context.Context, store storage.Store, seed string) error {
	v, err := vault.New(ctx, store, audit.New(store), seed)
	if err != nil {
		return err
	}

	const probe = "atlas-check-probe"
	cred, err := v.Store(ctx, "atlas-check", probe, "custom", "probe-value")
	if err != nil {
		if errors.Is(err, vault.ErrDuplicateName) {
			return fmt.Errorf("leftover probe credential; delete %q and rerun", probe)
		}
		return err
	}
	got, err := v.Retrieve(ctx, cred.ID)
	if err != nil {
		return err
	}
	if got != "probe-value" {
		return fmt.Errorf("round-trip mismatch")
	}
	return v.Delete(ctx, cred.ID)
}

func probeProvider(ctx context.Context, p config.ProviderConfig) provider.ProviderStatus {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var a provider.Adapter
	switch p.Kind {
	case "ollama":
		a = provider.NewOllama(p.Name, p.BaseURL)
	default:
		key := os.Getenv("ATLAS_PROVIDER_" + envToken(p.Name) + "_KEY")
		a = provider.NewOpenAI(provider.OpenAIOptions{
			Name:    p.Name,
			BaseURL: p.BaseURL,
			Key:     provider.StaticKey(key),
		})
	}
	return a.CheckHealth(probeCtx)
}

func probeRedis(ctx context.Context, cfg config.RedisConfig) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: os.Getenv("ATLAS_REDIS_PASSWORD"),
		DB:       cfg.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return rdb.Ping(pingCtx).Err()
}

func envToken(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
