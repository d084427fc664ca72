package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/user/mqi_interpreter_go/internal/config"
)

func main() {
	logDir := flag.String("logdir", "", "Directory holding the RT plan, PlanRange.txt files and .ptn logs")
	outDir := flag.String("outputdir", "", "Directory for the MOQUI input files and reports")
	cfgPath := flag.String("config", "config.yaml", "YAML run configuration")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -logdir DIR -outputdir DIR [-config FILE]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logDir == "" || *outDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, warnings, err := config.LoadFile(*cfgPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	app := NewApp(cfg)
	for _, w := range warnings {
		app.sendStatus(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	_, err = app.Run(ctx, *logDir, *outDir)
	stop()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}
