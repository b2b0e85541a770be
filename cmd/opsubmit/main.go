// Command opsubmit packages a work directory and submits it to a
// competition server.
//
// # Configuration File
//
// Create a YAML file with client settings:
//
//	api_key: ""            # Or set OPTIMUSPRIME_API_KEY
//	competition_id: ""
//	server_url: "http://localhost:8080"
//	compression_level: normal
//	exclude: []
//	preferences:
//	  auto_confirm: false
//	  save_history: true
//
// # Usage
//
//	opsubmit init --api-key=KEY --competition-id=competition-123
//	opsubmit send
//	opsubmit send --root=../solution --compression=9 --auto-confirm
//
// The send command negotiates the required packaging format with the
// server, shows the terms (remaining attempts included) for confirmation,
// builds the archive, and uploads it exactly once. Attempts are limited per
// competition, so nothing is ever retried automatically.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/AutoScots/optimusprime/archive"
	"github.com/AutoScots/optimusprime/client"
	"github.com/AutoScots/optimusprime/cmd/common"
)

const defaultConfigPath = ".opsubmit.yaml"
const historyPath = ".opsubmit_history.jsonl"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	switch args[0] {
	case "init":
		return runInit(args[1:])
	case "send":
		return runSend(args[1:])
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage:
  opsubmit init [--api-key KEY] [--competition-id ID] [--output PATH]
  opsubmit send [--config PATH] [--root DIR] [flags]

Run "opsubmit <command> --help" for command flags.
`)
}

func runInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	apiKey := flags.String("api-key", "", "API key to store in the config")
	competitionID := flags.String("competition-id", "", "Competition to submit to")
	output := flags.String("output", defaultConfigPath, "Config file to create")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := common.DefaultClientConfig()
	cfg.APIKey = *apiKey
	cfg.CompetitionID = *competitionID

	if err := cfg.WriteFile(*output); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Wrote %s\n", *output)
	if cfg.APIKey == "" {
		fmt.Printf("No API key configured; set api_key or export %s.\n", common.APIKeyEnvVar)
	}
	return 0
}

func runSend(args []string) int {
	flags := flag.NewFlagSet("send", flag.ContinueOnError)
	configPath := flags.String("config", "", "Config file path (default "+defaultConfigPath+" if present)")
	apiKey := flags.String("api-key", "", "API key (overrides config and environment)")
	competitionID := flags.String("competition-id", "", "Competition to submit to")
	serverURL := flags.String("server", "", "Server base URL")
	compression := flags.String("compression", "", "Compression: store, fastest, normal, best, or 0-9")
	forceFormat := flags.String("force-format", "", "Skip negotiation and force format: repo or py")
	autoConfirm := flags.Bool("auto-confirm", false, "Skip the confirmation prompt")
	root := flags.String("root", "", "Directory to package (default: enclosing repository root)")
	timeout := flags.Duration("timeout", 0, "Per-request HTTP timeout")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadSendConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Command-line flags override config file values.
	if *apiKey != "" {
		cfg.APIKey = *apiKey
	}
	if *competitionID != "" {
		cfg.CompetitionID = *competitionID
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *compression != "" {
		cfg.CompressionLevel = *compression
	}
	if *forceFormat != "" {
		cfg.Format = *forceFormat
	}
	if *autoConfirm {
		cfg.Preferences.AutoConfirm = true
	}

	cfg.APIKey = common.ResolveAPIKey(cfg.APIKey)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	level, err := archive.ParseCompressionLevel(cfg.CompressionLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	submitRoot := *root
	if submitRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		// Prefer the enclosing repository root so a send from a
		// subdirectory packages the whole project.
		if repoRoot, err := archive.FindRepoRoot(wd); err == nil {
			submitRoot = repoRoot
		} else {
			submitRoot = wd
		}
	}

	clientCfg := &client.Config{
		APIKey:           cfg.APIKey,
		ServerURL:        cfg.ServerURL,
		CompetitionID:    cfg.CompetitionID,
		Root:             submitRoot,
		CompressionLevel: level,
		Exclude:          cfg.Exclude,
		ForceFormat:      archive.Format(cfg.Format),
		AutoConfirm:      cfg.Preferences.AutoConfirm,
		Timeout:          *timeout,
	}
	if cfg.Preferences.SaveHistory {
		clientCfg.HistoryPath = historyPath
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	o := client.New(clientCfg, &stdinConfirmer{}, log)

	result, err := o.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	if o.State() == client.StateDeclined {
		fmt.Println("Submission cancelled.")
		return 0
	}

	fmt.Printf("Submission accepted: %s (%d bytes)\n", result.Filename, result.Size)
	fmt.Printf("Attempts remaining: %d\n", result.AttemptsRemaining)
	return 0
}

// loadSendConfig loads the named config file, or the default one when it
// exists. No config file at all is fine: flags and environment can carry
// everything.
func loadSendConfig(path string) (*common.ClientConfig, error) {
	if path != "" {
		return common.LoadClientConfig(path)
	}
	cfg, err := common.LoadClientConfig(defaultConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return common.DefaultClientConfig(), nil
	}
	return cfg, err
}

// exitCode maps failure categories to distinct exit codes so scripts can
// tell a burned-quota failure from a flaky network.
func exitCode(err error) int {
	category, ok := client.CategoryOf(err)
	if !ok {
		return 1
	}
	switch category {
	case client.CategoryConfiguration, client.CategoryValidation:
		return 1
	case client.CategoryAuth:
		return 2
	case client.CategoryNetwork:
		return 3
	case client.CategoryArchive:
		return 4
	case client.CategoryQuota:
		return 5
	default:
		return 6
	}
}

// stdinConfirmer shows the negotiated terms and reads a yes/no answer from
// standard input. Anything but an explicit yes declines.
type stdinConfirmer struct{}

func (stdinConfirmer) Confirm(info *client.CheckInfo) (bool, error) {
	fmt.Printf("Competition:        %s\n", info.CompetitionName)
	fmt.Printf("Required format:    %s\n", info.RequiredFormat)
	fmt.Printf("Remaining attempts: %d\n", info.RemainingAttempts)
	if info.LastSubmission != nil {
		fmt.Printf("Last submission:    %s\n", info.LastSubmission.Local().Format(time.RFC1123))
	}
	fmt.Print("Submit now? This uses one attempt. [y/N]: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
