package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v2"

	"github.com/streamforge/streamforge/pkg/cluster"
	"github.com/streamforge/streamforge/pkg/plan"
	"github.com/streamforge/streamforge/pkg/streamforge"
	"github.com/streamforge/streamforge/pkg/util/flagext"
	util_log "github.com/streamforge/streamforge/pkg/util/log"
)

const configFileOption = "config.file"

var testMode = false

func main() {
	var (
		cfg            streamforge.Config
		planFile       string
		compileWorkers int
	)

	configFile := parseConfigFileParameter(os.Args[1:])

	// This sets default values from flags to the config.
	// It needs to be called before parsing the config file!
	flagext.RegisterFlags(&cfg)

	if configFile != "" {
		if err := LoadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			if testMode {
				return
			}
			os.Exit(1)
		}
	}

	// Ignore -config.file here, since it was already parsed, but it's still present on command line.
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load.")
	flag.StringVar(&planFile, "compile.plan-file", "", "Compile the plan in this file (JSON, or YAML with a .yaml/.yml extension), print the fragment graph and exit.")
	flag.IntVar(&compileWorkers, "compile.workers", 0, "Number of local compute workers to register before compiling with -compile.plan-file.")

	if testMode {
		// Don't exit on error in test mode. Just parse parameters, dump config and stop.
		flag.CommandLine.Init(flag.CommandLine.Name(), flag.ContinueOnError)
		flag.Parse()
		DumpYaml(os.Stdout, &cfg)
		return
	}

	flag.Parse()

	// Validate the config once both the config file has been loaded
	// and CLI flags parsed.
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error validating config: %v\n", err)
		os.Exit(1)
	}

	if cfg.PrintConfig {
		DumpYaml(os.Stdout, &cfg)
		return
	}

	util_log.InitLogger(&cfg.Log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	t, err := streamforge.New(cfg, reg, util_log.Logger)
	util_log.CheckFatal("initializing streamforge", err)

	ctx := context.Background()
	if planFile != "" {
		err := compileFile(ctx, t, planFile, compileWorkers, os.Stdout)
		util_log.CheckFatal("compiling plan", err)
		return
	}

	// The server stops on SIGINT and SIGTERM.
	level.Info(util_log.Logger).Log("msg", "Starting streamforge fragmenter")
	if err := t.Run(ctx); err != nil {
		level.Error(util_log.Logger).Log("msg", "error running streamforge", "err", err)
		os.Exit(1)
	}
}

// compileFile compiles a single plan file and writes the fragment graph to w.
func compileFile(ctx context.Context, t *streamforge.Streamforge, filename string, workers int, w io.Writer) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "Error reading plan file")
	}

	var root *plan.Node
	switch filepath.Ext(filename) {
	case ".yaml", ".yml":
		root, err = plan.ParseYAML(buf)
	default:
		root, err = plan.ParseJSON(buf)
	}
	if err != nil {
		return err
	}

	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("local-compute-%d", i)
		if err := t.Cluster.AddWorker(ctx, id, "", cluster.ComputeNode, cluster.RUNNING); err != nil {
			return err
		}
	}

	graph, err := t.Compile(ctx, root)
	if err != nil {
		return err
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(graph)
}

// Parse -config.file option via separate flag set, to avoid polluting default one and calling flag.Parse on it twice.
func parseConfigFileParameter(args []string) string {
	var configFile = ""
	// ignore errors and any output here. Any flag errors will be reported by main flag.Parse() call.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "") // usage not used in this function.

	// Try to find -config.file option in the flags. As Parsing stops on the first error, eg. unknown flag, we simply
	// try remaining parameters until we find config flag, or there are no params left.
	for len(args) > 0 {
		_ = fs.Parse(args)
		if configFile != "" {
			break
		}
		args = args[1:]
	}

	return configFile
}

// LoadConfig read YAML-formatted config from filename into cfg.
func LoadConfig(filename string, cfg *streamforge.Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "Error reading config file")
	}

	err = yaml.UnmarshalStrict(buf, cfg)
	if err != nil {
		return errors.Wrap(err, "Error parsing config file")
	}

	return nil
}

func DumpYaml(w io.Writer, cfg *streamforge.Config) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Fprintf(w, "%s\n", out)
	}
}
