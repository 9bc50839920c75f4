// overseerctl drives the overseer over its TCP line protocol.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/config"
	"github.com/ismaelgtc-ship-it/relay/internal/vault"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
	"github.com/ismaelgtc-ship-it/relay/pkg/sdk"
)

var version = "dev"

type options struct {
	configPath string
	addr       string
	key        string
	actor      string
	noTLS      bool
	timeout    time.Duration

	active     string
	configJSON string
	configFile string
	limit      int
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "overseerctl: %v\n", err)
		var e *apperr.Error
		if errors.As(err, &e) && e.Detail != nil {
			printJSON(e.Detail)
		}
		os.Exit(1)
	}
}

func run(argv []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("overseerctl", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "config file to read [gateway] settings from")
	flagSet.StringVar(&opts.addr, "addr", "", "overseer TCP address (default from config, then localhost:7001)")
	flagSet.StringVar(&opts.key, "key", "", "internal key (default from config or RELAY_GATEWAY_KEY)")
	flagSet.StringVar(&opts.actor, "actor", "cli", "actor name recorded in the audit log")
	flagSet.BoolVar(&opts.noTLS, "no-tls", false, "connect over plain TCP")
	flagSet.DurationVar(&opts.timeout, "timeout", 15*time.Second, "per-command timeout")
	flagSet.StringVar(&opts.active, "active", "", "put-config: set the active flag (true|false)")
	flagSet.StringVar(&opts.configJSON, "json", "", "put-config: module config as JSON")
	flagSet.StringVar(&opts.configFile, "file", "", "put-config: read module config from a JSON or YAML file")
	flagSet.IntVar(&opts.limit, "limit", 20, "audit: number of entries")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		printUsage(flagSet)
		return nil
	}

	command := strings.ToLower(args[0])
	args = args[1:]

	// Commands that need no connection
	switch command {
	case "version":
		fmt.Println("overseerctl", version)
		return nil
	case "seal-secret":
		return sealSecret(args)
	case "gen-master-key":
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(key))
		return nil
	}

	client, err := connect(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	switch command {
	case "ping":
		if err := client.Ping(ctx); err != nil {
			return err
		}
		fmt.Println("PONG")

	case "modules":
		list, err := client.Modules(ctx)
		if err != nil {
			return err
		}
		for _, m := range list {
			fmt.Printf("%-14s owner=%-8s active=%-5t locked=%-5t %s\n", m.Name, m.Owner, m.Active, m.Locked, m.LockReason)
		}

	case "module":
		if len(args) < 1 {
			return errors.New("usage: overseerctl module <name>")
		}
		st, err := client.Module(ctx, args[0])
		if err != nil {
			return err
		}
		printJSON(st)

	case "put-config":
		if len(args) < 1 {
			return errors.New("usage: overseerctl put-config <name> [--active=true|false] [--json '{...}' | --file path]")
		}
		patch, err := buildPatch(opts)
		if err != nil {
			return err
		}
		st, err := client.PutConfig(ctx, args[0], patch)
		if err != nil {
			return err
		}
		printJSON(st)

	case "lock":
		if len(args) < 1 {
			return errors.New("usage: overseerctl lock <name> [reason...]")
		}
		st, err := client.Lock(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		printJSON(st)

	case "unlock":
		if len(args) < 1 {
			return errors.New("usage: overseerctl unlock <name>")
		}
		st, err := client.Unlock(ctx, args[0])
		if err != nil {
			return err
		}
		printJSON(st)

	case "status":
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range st.Services {
			state := "DOWN"
			if s.IsUp {
				state = "UP"
			}
			fmt.Printf("%-16s %-4s v%-10s last heartbeat %s\n", s.Service, state, s.Version, s.LastHeartbeatAt.Format(time.RFC3339))
		}

	case "audit":
		entries, err := client.Audit(ctx, opts.limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			meta, _ := json.Marshal(e.Metadata)
			fmt.Printf("%s  %-10s %-14s %-16s %s\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Target, e.Actor, meta)
		}

	default:
		printUsage(flagSet)
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// connect resolves the gateway settings: flags win over the config file.
func connect(opts options) (*sdk.Client, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	addr := cfg.Gateway.Addr
	if opts.addr != "" {
		addr = opts.addr
	}
	if addr == "" {
		addr = "localhost:7001"
	}
	key := cfg.Gateway.Key
	if opts.key != "" {
		key = opts.key
	}
	useTLS := cfg.Gateway.TLS && !opts.noTLS

	return sdk.NewClient(sdk.Options{
		Addr:               addr,
		Key:                key,
		Actor:              opts.actor,
		TLS:                useTLS,
		InsecureSkipVerify: cfg.Gateway.TLSSkipVerify,
	}), nil
}

func buildPatch(opts options) (schema.ConfigPatch, error) {
	var patch schema.ConfigPatch
	if opts.active != "" {
		v, err := strconv.ParseBool(opts.active)
		if err != nil {
			return patch, fmt.Errorf("--active: %w", err)
		}
		patch.Active = &v
	}

	var raw []byte
	switch {
	case opts.configJSON != "" && opts.configFile != "":
		return patch, errors.New("use either --json or --file, not both")
	case opts.configJSON != "":
		raw = []byte(opts.configJSON)
	case opts.configFile != "":
		data, err := os.ReadFile(opts.configFile)
		if err != nil {
			return patch, err
		}
		raw = data
	}
	if raw != nil {
		// YAML is a superset of JSON, so one decoder reads both.
		var cfg map[string]any
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return patch, fmt.Errorf("parse config: %w", err)
		}
		if cfg == nil {
			cfg = map[string]any{}
		}
		patch.Config = cfg
	}

	if patch.Active == nil && patch.Config == nil {
		return patch, errors.New("nothing to change: pass --active, --json or --file")
	}
	return patch, nil
}

// sealSecret encrypts a secret with the master key for use in config files.
func sealSecret(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: RELAY_MASTER_KEY=<hex> overseerctl seal-secret <secret>")
	}
	key, err := config.MasterKeyFromEnv()
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("%s is not set", config.MasterKeyEnv)
	}
	sealed, err := vault.Seal(args[0], key)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, `overseerctl - operator CLI for the overseer

Usage:
  overseerctl [flags] <command> [args]

Commands:
  ping                         check connectivity and credentials
  modules                      list every module
  module <name>                show one module
  put-config <name>            update active flag and/or config
  lock <name> [reason...]      place an operator hold
  unlock <name>                lift the hold
  status                       list registered services and liveness
  audit                        show recent audit entries
  seal-secret <secret>         encrypt a secret for a config file
  gen-master-key               print a new random master key
  version                      print version

Flags:`)
	flagSet.PrintDefaults()
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}
