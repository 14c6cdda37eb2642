package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/andesco/imgladder/handlers"
	"github.com/andesco/imgladder/pkg/config"
	"github.com/andesco/imgladder/pkg/metrics"
	"github.com/andesco/imgladder/pkg/rewriter"
	"github.com/andesco/imgladder/pkg/router"
	"github.com/andesco/imgladder/pkg/ruleset"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	config    *string
	port      *string
	origin    *string
	quality   *int
	theme     *string
	lazyLoad  *bool
	ruleset   *string
	logLevel  *string
	logFormat *string
}

func newParser() (*argparse.Parser, *flags) {
	parser := argparse.NewParser("imgladder", "Magento image resizing through Cloudflare")
	f := &flags{
		config: parser.String("c", "config", &argparse.Options{
			Required: false,
			Help:     "YAML settings file",
		}),
		port: parser.String("p", "port", &argparse.Options{
			Required: false,
			Help:     "Port the webserver will listen on",
		}),
		origin: parser.String("o", "origin", &argparse.Options{
			Required: false,
			Help:     "Origin storefront base URL",
		}),
		quality: parser.Int("q", "quality", &argparse.Options{
			Required: false,
			Help:     "Image quality, 1 to 100",
		}),
		theme: parser.String("t", "theme", &argparse.Options{
			Required: false,
			Help:     "Theme profile: 0/default or 1/custom",
		}),
		lazyLoad: parser.Flag("l", "lazy-load", &argparse.Options{
			Required: false,
			Help:     "Add loading=\"lazy\" to rewritten images",
		}),
		ruleset: parser.String("r", "ruleset", &argparse.Options{
			Required: false,
			Help:     "File or directory of ruleset .yaml files, separated by ;. Overrides RULESET environment variable.",
		}),
		logLevel: parser.String("v", "log-level", &argparse.Options{
			Required: false,
			Help:     "Log level: debug, info, warn, error",
		}),
		logFormat: parser.String("f", "log-format", &argparse.Options{
			Required: false,
			Help:     "Log format: text, json or auto",
		}),
	}
	return parser, f
}

// apply overlays the flags that were given on the command line.
func (f *flags) apply(s *config.Settings) {
	if *f.port != "" {
		s.Listen = ":" + strings.TrimPrefix(*f.port, ":")
	}
	if *f.origin != "" {
		s.Origin = *f.origin
	}
	if *f.quality != 0 {
		s.Quality = *f.quality
	}
	if *f.theme != "" {
		s.Theme = *f.theme
	}
	if *f.lazyLoad {
		s.LazyLoad = true
	}
	if *f.ruleset != "" {
		s.Ruleset = *f.ruleset
	}
	if *f.logLevel != "" {
		s.LogLevel = *f.logLevel
	}
	if *f.logFormat != "" {
		s.LogFormat = *f.logFormat
	}
}

func setupLogging(level, format string, isTerminal bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	switch format {
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "auto", "":
		if isTerminal {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		} else {
			log.SetFormatter(&log.JSONFormatter{})
		}
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}
	return nil
}

func run(args []string) error {
	parser, f := newParser()
	if err := parser.Parse(args); err != nil {
		return errors.New(parser.Usage(err))
	}

	settings, err := config.Load(*f.config)
	if err != nil {
		return err
	}
	f.apply(&settings)

	if err := setupLogging(settings.LogLevel, settings.LogFormat, term.IsTerminal(int(os.Stderr.Fd()))); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	origin, _ := settings.OriginURL()
	rewriteCfg, _ := settings.RewriteConfig()

	overrides, err := ruleset.LoadRuleset(settings.Ruleset)
	if err != nil {
		return fmt.Errorf("error loading ruleset: %w", err)
	}
	table, err := ruleset.NewTable(overrides, settings.AssetDomains())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rt, err := router.New(router.Options{
		Origin:         origin,
		PreserveHost:   settings.PreserveHost,
		AdminPaths:     settings.AdminPaths,
		ProxyGuard:     settings.ProxyGuard,
		AllowedDomains: settings.AllowedDomains,
		Timeout:        time.Duration(settings.Timeout) * time.Second,
		Rewriter:       rewriter.NewImageRewriter(rewriteCfg, table, m),
		Observer:       m,
	})
	if err != nil {
		return err
	}

	// origin fetches outlive client disconnects; they end with the server
	reqCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	app := handlers.NewApp(handlers.AppOptions{
		Context:        reqCtx,
		Router:         rt,
		Rules:          table.Rules(),
		ExposeRuleset:  settings.ExposeRuleset,
		InternalPrefix: settings.InternalPrefix,
		Gatherer:       reg,
	})

	log.WithFields(log.Fields{
		"listen":  settings.Listen,
		"origin":  origin.String(),
		"theme":   rewriteCfg.Theme.String(),
		"quality": rewriteCfg.Quality,
		"rules":   table.Rules().Count(),
	}).Info("imgladder listening")

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		log.Info("shutting down")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.WithError(err).Warn("shutdown")
		}
		cancelRequests()
	}()

	return app.Listen(settings.Listen)
}

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}
