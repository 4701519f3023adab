package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env if present; real config lives in the settings file.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("agentbridge", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "Directory for session history (default: user config dir)")
	autoInstall := fs.Bool("auto-install", true, "Install missing agent executables automatically")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	// Protocol frames own stdout; everything else goes to stderr.
	log.SetOutput(os.Stderr)

	ctx := context.Background()
	env, err := prepareRuntimeEnv(ctx, *dataDir, *autoInstall)
	if err != nil {
		log.Fatalf("failed to prepare runtime environment: %v", err)
	}
	defer env.Close()

	runner := newStdIORunner(os.Stdin, os.Stdout, env)
	env.SetEventSink(runner.routerSink)

	if err := runner.Run(ctx); err != nil {
		log.Fatalf("stdio bridge failed: %v", err)
	}
}
