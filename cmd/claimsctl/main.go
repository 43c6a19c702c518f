// Package main provides a CLI for inspecting and maintaining the claim store
// the campaign server uses, without going through the HTTP API.
//
// Usage:
//
//	claimsctl [flags] list
//	claimsctl [flags] cleanup
//	claimsctl [flags] usage -platform instagram -username bob [-type followers]
//	claimsctl [flags] check -platform instagram -username bob -count 10
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/VenkatGGG/turno/internal/claims"
)

// storeFlags default to the same environment the campaign server reads.
type storeFlags struct {
	Driver      string `env:"TURNO_CLAIMS_DRIVER" envDefault:"file"`
	Path        string `env:"TURNO_CLAIMS_PATH" envDefault:"./data"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"redis:6379"`
	RedisPrefix string `env:"TURNO_REDIS_PREFIX" envDefault:"turno:claims"`
	Verbose     bool
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var store storeFlags
	if err := env.Parse(&store); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("claimsctl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&store.Driver, "driver", store.Driver, "claims driver (memory, file, bolt, sqlite, redis)")
	fs.StringVar(&store.Path, "path", store.Path, "claims directory (file) or database file (bolt, sqlite)")
	fs.StringVar(&store.RedisAddr, "redis-addr", store.RedisAddr, "redis address for the redis driver")
	fs.StringVar(&store.RedisPrefix, "redis-prefix", store.RedisPrefix, "redis key prefix")
	fs.BoolVar(&store.Verbose, "v", false, "log every cache operation to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("missing command: list, cleanup, usage or check")
	}

	cache, closeStore, err := openCache(ctx, store)
	if err != nil {
		return err
	}
	defer closeStore()

	command, rest := fs.Arg(0), fs.Args()[1:]
	switch command {
	case "list":
		return listClaims(cache, out)
	case "cleanup":
		before := cache.Len()
		if err := cache.CleanupExpired(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d expired or unreadable claims, %d remain\n", before-cache.Len(), cache.Len())
		return nil
	case "usage":
		return printUsage(ctx, cache, rest, out)
	case "check":
		return checkClaim(ctx, cache, rest, out)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func openCache(ctx context.Context, store storeFlags) (*claims.Cache, func(), error) {
	opts := claims.BackendOptions{
		Driver:      store.Driver,
		Path:        store.Path,
		RedisPrefix: store.RedisPrefix,
	}
	var client *redis.Client
	if strings.EqualFold(strings.TrimSpace(store.Driver), claims.DriverRedis) {
		client = redis.NewClient(&redis.Options{Addr: store.RedisAddr})
		opts.Redis = client
	}
	closeClient := func() {
		if client != nil {
			_ = client.Close()
		}
	}

	backend, closeBackend, err := claims.OpenBackend(opts)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	closeAll := func() {
		closeBackend()
		closeClient()
	}

	logger := zap.NewNop()
	if store.Verbose {
		logger, _ = zap.NewDevelopment()
	}
	cache, err := claims.Open(ctx, backend, claims.WithLogger(logger))
	if err != nil && !errors.Is(err, claims.ErrCorruptDocument) {
		closeAll()
		return nil, nil, err
	}
	return cache, closeAll, nil
}

type listedClaim struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	ResetAt   time.Time `json:"reset_at"`
}

func listClaims(cache *claims.Cache, out io.Writer) error {
	snapshot := cache.Snapshot()
	listed := make([]listedClaim, 0, len(snapshot))
	for key, record := range snapshot {
		listed = append(listed, listedClaim{
			Key:       key,
			Timestamp: record.Timestamp,
			ResetAt:   claims.ResetAt(record.Timestamp),
		})
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].Key < listed[j].Key })

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(listed)
}

type ownerFlags struct {
	platform    claims.Platform
	username    string
	missionType claims.MissionType
	count       int
}

func parseOwner(name string, args []string, withCount bool) (ownerFlags, error) {
	var (
		platform, username, missionType string
		count                           int
	)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&platform, "platform", "", "platform (instagram, tiktok, youtube)")
	fs.StringVar(&username, "username", "", "account username")
	fs.StringVar(&missionType, "type", string(claims.MissionFollowers), "mission type")
	if withCount {
		fs.IntVar(&count, "count", 0, "offer count")
	}
	if err := fs.Parse(args); err != nil {
		return ownerFlags{}, err
	}

	var (
		owner ownerFlags
		err   error
	)
	if owner.platform, err = claims.ParsePlatform(platform); err != nil {
		return ownerFlags{}, err
	}
	if owner.missionType, err = claims.ParseMissionType(missionType); err != nil {
		return ownerFlags{}, err
	}
	if owner.username = claims.NormalizeUsername(username); owner.username == "" {
		return ownerFlags{}, errors.New("-username is required")
	}
	if withCount && count <= 0 {
		return ownerFlags{}, errors.New("-count must be positive")
	}
	owner.count = count
	return owner, nil
}

func printUsage(ctx context.Context, cache *claims.Cache, args []string, out io.Writer) error {
	owner, err := parseOwner("usage", args, false)
	if err != nil {
		return err
	}
	used, err := cache.UsedUnits(ctx, owner.platform, owner.username, owner.missionType)
	if err != nil {
		return err
	}
	earliest, active, err := cache.EarliestActive(ctx, owner.platform, owner.username, owner.missionType)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %s %s: %d units claimed\n", owner.platform, owner.username, owner.missionType, used)
	if active {
		resetAt := claims.ResetAt(earliest)
		remaining := resetAt.Sub(cache.Clock().Now())
		fmt.Fprintf(out, "resets at %s (in %s)\n", resetAt.Format(time.RFC3339), claims.FormatRemaining(remaining))
	}
	return nil
}

func checkClaim(ctx context.Context, cache *claims.Cache, args []string, out io.Writer) error {
	owner, err := parseOwner("check", args, true)
	if err != nil {
		return err
	}
	key := claims.NewKey(owner.platform, owner.username, owner.missionType, owner.count)
	available, err := cache.IsAvailable(ctx, key)
	if err != nil {
		return err
	}
	if available {
		fmt.Fprintf(out, "%s: available\n", key)
	} else {
		fmt.Fprintf(out, "%s: claimed\n", key)
	}
	return nil
}
