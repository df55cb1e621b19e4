// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/petervdpas/rtcomm/internal/app"
	"github.com/petervdpas/rtcomm/internal/config"
	"github.com/petervdpas/rtcomm/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "run":
		runCmd(os.Args[2:])
	case "call":
		callCmd(os.Args[2:])
	case "history":
		historyCmd(os.Args[2:])
	case "version", "--version", "-version":
		fmt.Printf("rtcomm v%s\n", appVersion)
	case "help", "-h", "--help":
		showUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", cmd)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// common are the flags every command shares.
type common struct {
	cfgPath string
	userID  string
}

func newFlagSet(name string, c *common) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.StringVarP(&c.cfgPath, "config", "c", "rtcomm.json", "config file (.json, .jsonc, .yaml)")
	fs.StringVarP(&c.userID, "user", "u", "", "create the config for this user id if it does not exist")
	return fs
}

func (c *common) load() (string, config.Config) {
	cfgPath, err := filepath.Abs(c.cfgPath)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	var cfg config.Config
	if c.userID != "" {
		var created bool
		cfg, created, err = config.Ensure(cfgPath, c.userID)
		if created {
			log.Printf("Created %s for %s", cfgPath, c.userID)
		}
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfgPath, cfg
}

func runCmd(args []string) {
	var c common
	fs := newFlagSet("run", &c)
	autoAnswer := fs.Bool("auto-answer", false, "accept every incoming call")
	_ = fs.Parse(args)

	cfgPath, cfg := c.load()
	run(app.Options{CfgPath: cfgPath, Cfg: cfg, AutoAnswer: *autoAnswer})
}

func callCmd(args []string) {
	var c common
	fs := newFlagSet("call", &c)
	callType := fs.StringP("type", "t", "", "audio or video (default from config)")
	conversation := fs.String("conversation", "", "conversation the call belongs to")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: call needs exactly one user id")
		fmt.Fprintln(os.Stderr, "Usage: rtcomm call [flags] <user-id>")
		os.Exit(1)
	}
	target, err := util.ValidateUserID(fs.Arg(0))
	if err != nil {
		log.Fatalf("Invalid user id: %v", err)
	}

	cfgPath, cfg := c.load()
	if *callType == "" {
		*callType = cfg.Call.DefaultType
	}
	run(app.Options{
		CfgPath:      cfgPath,
		Cfg:          cfg,
		Dial:         target,
		CallType:     *callType,
		Conversation: *conversation,
	})
}

func historyCmd(args []string) {
	var c common
	fs := newFlagSet("history", &c)
	peer := fs.String("peer", "", "only calls with this user id")
	limit := fs.IntP("limit", "n", 20, "number of calls to show (0 = all)")
	stats := fs.Bool("stats", false, "also count calls per outcome")
	_ = fs.Parse(args)

	cfgPath, cfg := c.load()
	dataDir := util.ResolvePath(filepath.Dir(cfgPath), cfg.Paths.DataDir)
	q := app.HistoryQuery{Peer: *peer, Limit: *limit, Stats: *stats}
	if err := app.PrintHistory(context.Background(), os.Stdout, dataDir, q); err != nil {
		log.Fatalf("History failed: %v", err)
	}
}

func run(opt app.Options) {
	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, opt); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("rtcomm - realtime chat and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rtcomm run [flags]                 Connect and stay online")
	fmt.Println("  rtcomm call [flags] <user-id>      Call a user, exit when the call ends")
	fmt.Println("  rtcomm history [flags]             Show recorded calls")
	fmt.Println("  rtcomm version                     Show version information")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  -c, --config <file>   Config file (default rtcomm.json)")
	fmt.Println("  -u, --user <id>       Create the config for this user if missing")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %s, %s, %s override the config file.\n", config.EnvToken, config.EnvURL, config.EnvUserID)
	fmt.Println("  A .env file next to the config is read as well.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  rtcomm run -u alice --auto-answer")
	fmt.Println("  rtcomm call -t video bob")
	fmt.Println("  rtcomm history --peer bob --stats")
}
