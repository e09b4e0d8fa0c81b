// Command rfm is an interactive remote file manager over SSH/SFTP.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/darshan-rambhia/remotefs"
)

func main() {
	var (
		profilesPath = flag.String("profiles", defaultProfilesPath(), "YAML file with connection profiles")
		metricsAddr  = flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
		logLevel     = flag.String("log-level", "warn", "log level: debug, info, warn, error")
		logFile      = flag.String("log-file", "stderr", "log destination: stdout, stderr or a file path")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rfm [flags] [profile|user@host[:port] [key-file]]\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nSession options are read from REMOTEFS_* environment variables.\n")
	}
	flag.Parse()

	if err := run(*profilesPath, *metricsAddr, *logLevel, *logFile, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "rfm: %v\n", err)
		os.Exit(1)
	}
}

func run(profilesPath, metricsAddr, logLevel, logFile string, args []string) error {
	logger, err := remotefs.NewLogger(remotefs.LogConfig{Level: logLevel, Format: "console", OutputPath: logFile})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	opts, err := remotefs.LoadOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger

	profiles, err := loadProfiles(profilesPath)
	if err != nil {
		return err
	}

	var metrics *remotefs.Metrics
	if metricsAddr != "" {
		metrics = remotefs.NewMetrics(prometheus.DefaultRegisterer)
		go serveMetrics(metricsAddr, logger)
	}

	dispatcher := remotefs.NewDispatcher()
	manager := remotefs.NewSessionManager(remotefs.WithOptions(opts), remotefs.WithMetrics(metrics))
	executor := remotefs.NewExecutor(
		remotefs.WithWorkers(opts.Workers),
		remotefs.WithDispatcher(dispatcher),
		remotefs.WithExecutorLogger(logger),
		remotefs.WithExecutorMetrics(metrics),
	)

	sh := newShell(os.Stdout, manager, executor, dispatcher, profiles, readSecret, logger)
	defer sh.shutdown()

	manager.OnStateChange(func(id remotefs.Identity, from, to remotefs.State) {
		logger.Info("session state changed",
			zap.String("identity", id.String()),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})

	okColor.Println("rfm remote file manager")
	fmt.Println("Type 'help' for available commands")
	if len(args) > 0 {
		sh.run("connect " + quoteArgs(args))
	}

	p := prompt.New(
		sh.run,
		sh.complete,
		prompt.OptionTitle("rfm"),
		prompt.OptionLivePrefix(sh.prefix),
		prompt.OptionPrefixTextColor(prompt.Green),
		prompt.OptionPreviewSuggestionTextColor(prompt.Blue),
		prompt.OptionSelectedSuggestionBGColor(prompt.LightGray),
		prompt.OptionSuggestionBGColor(prompt.DarkGray),
		prompt.OptionCompletionWordSeparator(" "),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return sh.exiting }),
		prompt.OptionAddKeyBind(prompt.KeyBind{
			Key: prompt.ControlC,
			Fn: func(buf *prompt.Buffer) {
				buf.DeleteBeforeCursor(len([]rune(buf.Text())))
			},
		}),
	)
	p.Run()
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

// readSecret prompts on stdout and reads a line from the terminal without
// echo.
func readSecret(label string) (string, error) {
	fmt.Print(label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(b), nil
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(a, `\`, `\\`), `"`, `\"`) + `"`
	}
	return strings.Join(quoted, " ")
}
