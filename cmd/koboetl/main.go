package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"koboetl/internal/config"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "koboetl/internal/storage/all"
)

const usage = `usage: koboetl [flags] <command> [args]

commands:
  validate                 check the configuration and exit
  sync <form>              sync one form (-full, -since, -limit)
  sync-all                 sync every active form (-full, -since, -limit)
  query <dataset>          run an aggregate query (-group, -metrics, -filter, -rollup, -format)
  publish <dataset>        materialize the default aggregation into mv_<dataset>
  refresh <table>          republish a materialized table
  list                     list materialized tables
  rebuild <dataset>        rebuild the wide rows of a dataset from stored submissions
  suggest <form>           propose dimensions, measures and filters from sample submissions
  schedule                 run the cron schedules of the sources
  serve                    serve the HTTP API, run schedules and reload on config changes

flags:
`

// main is the entry point for the koboetl binary. It loads the config,
// optionally initializes a metrics backend, and dispatches the command.
func main() {
	var (
		cfgPath           string
		metricsBackendFlg string
		pushGatewayURLFlg string
	)

	flag.StringVar(&cfgPath, "config", "koboetl.json", "config path (JSON, or YAML with a .yaml/.yml extension)")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use: pushgateway, datadog or none (overrides env METRICS_BACKEND and config)")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL and config)")
	verbose := flag.Bool("v", false, "log every sync batch and use microsecond timestamps")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if !*verbose {
		log.SetFlags(log.LstdFlags)
	} else {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	// Validate config.
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}
	if cmd == "validate" {
		log.Printf("Configuration is valid: %v", cfgPath)
		return
	}

	flush := setupMetrics(cfg, metricsBackendFlg, pushGatewayURLFlg, *verbose)
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newContainer(ctx, cfg, *verbose)
	if err != nil {
		fatalf("%v", err)
	}
	defer c.Close()

	r := &runner{c: c, out: os.Stdout, cfgPath: cfgPath, addr: cfg.Server.Addr, verbose: *verbose}
	if err := r.run(ctx, cmd, args); err != nil {
		// Deferred flushes and closes do not run through os.Exit.
		flush()
		c.Close()
		fatalf("%s: %v", cmd, err)
	}
}

// runner executes commands against a container.
type runner struct {
	c       *container
	out     io.Writer
	cfgPath string
	addr    string
	verbose bool
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
