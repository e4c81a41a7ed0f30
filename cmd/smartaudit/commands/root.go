package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"smartaudit/internal/api"
	"smartaudit/internal/config"
	"smartaudit/internal/core/importer"
	"smartaudit/internal/infra/logx"
)

var errNoToken = errors.New("falta el token: ejecuta 'smartaudit login' o define " + config.KeyToken)

// app is the state shared by all subcommands of one invocation.
type app struct {
	rcPath   string
	baseURL  string
	logLevel string
	logFile  string
	verbose  bool
	asJSON   bool

	cfg     config.Config
	client  *api.Client
	session *importer.Session
	closers []func() error

	// newClient is swapped by tests.
	newClient func(cfg config.Config) *api.Client
}

// Execute runs the command line until done or interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	a := &app{newClient: defaultClient}
	defer a.close()
	return newRootCmd(a).ExecuteContext(ctx)
}

// newRootCmd creates the root command
func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "smartaudit",
		Short:         "Importa Libro Diario y Sumas y Saldos en SmartAudit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.rcPath, "config", config.DefaultPath(), "fichero rc con líneas KEY=VALUE")
	pf.StringVar(&a.baseURL, "base-url", "", "URL base del backend (sobrescribe "+config.KeyBaseURL+")")
	pf.StringVar(&a.logLevel, "log-level", "", "nivel de log: debug, info, warn, error")
	pf.StringVar(&a.logFile, "log-file", "", "escribe el log JSON en este fichero")
	pf.BoolVar(&a.verbose, "verbose", false, "no recorta mensajes largos en el log")
	pf.BoolVar(&a.asJSON, "json", false, "salida en JSON")

	rootCmd.AddCommand(
		newLoginCommand(a),
		newRunCommand(a),
		newUploadCommand(a),
		newInfoCommand(a),
		newValidateCommand(a),
		newStatusCommand(a),
		newMapeoCommand(a),
		newApplyMappingCommand(a),
		newSuggestCommand(a),
		newPreviewCommand(a),
		newDownloadCommand(a),
		newReportCommand(a),
	)
	return rootCmd
}

func defaultClient(cfg config.Config) *api.Client {
	return api.NewWithOptions(api.Options{
		BaseURL:   cfg.BaseURL,
		APIPrefix: cfg.APIPrefix,
		Token:     cfg.Token,
	})
}

func (a *app) setup() error {
	cfg, err := config.Load(a.rcPath)
	if err != nil {
		return err
	}
	if a.baseURL != "" {
		cfg.BaseURL = strings.TrimRight(a.baseURL, "/")
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFile != "" {
		cfg.LogFile = a.logFile
	}
	a.cfg = cfg

	logx.SetMinLevel(logx.ParseLevel(cfg.LogLevel))
	logx.SetVerbose(a.verbose)
	logx.RegisterSecret(cfg.Token)
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		logx.SetOutput(f)
		a.closers = append(a.closers, f.Close)
	case a.logLevel != "":
		logx.SetOutput(os.Stderr)
	}
	return nil
}

// importSession builds the client and session on first use.
func (a *app) importSession() (*importer.Session, error) {
	if a.session != nil {
		return a.session, nil
	}
	if a.cfg.Token == "" {
		return nil, errNoToken
	}
	a.client = a.newClient(a.cfg)

	var cache importer.Cache
	if a.cfg.RedisAddr != "" {
		redis.SetLogger(logx.RedisLogger{})
		rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		cache = importer.NewRedisCache(rdb, "", a.cfg.CacheTTL)
		logx.Infof("request cache on redis %s", a.cfg.RedisAddr)
	} else {
		cache = importer.NewMemoryCache(a.cfg.CacheTTL, a.cfg.CacheMaxEntries, nil)
	}

	a.session = importer.NewSession(a.client, importer.Options{
		Cache:       cache,
		MaxFileSize: a.cfg.MaxFileSize,
		Validation:  importer.PollOptions{Interval: a.cfg.PollInterval, Timeout: a.cfg.ValidationTimeout},
		Conversion:  importer.PollOptions{Interval: a.cfg.PollInterval, Timeout: a.cfg.ConversionTimeout},
		Mapeo:       importer.PollOptions{Interval: a.cfg.PollInterval, Timeout: a.cfg.MapeoTimeout},
		Upload:      importer.PollOptions{Interval: a.cfg.PollInterval, Timeout: a.cfg.UploadTimeout},
	})
	return a.session, nil
}

func (a *app) close() {
	if a.client != nil {
		logx.Infof("http: %s", a.client.Metrics().Snapshot())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// quiet silences logging on stderr while a full-screen view owns the terminal.
func (a *app) quiet() {
	if a.cfg.LogFile == "" {
		logx.SetOutput(io.Discard)
	}
}
