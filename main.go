package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

const (
	ProjectName    = "csc-service"
	ProjectVersion = "1.0.0"
)

func printVersion() {
	fmt.Printf("%s v%s\n", ProjectName, ProjectVersion)
}

func main() {
	fs := flag.NewFlagSet(ProjectName, flag.ExitOnError)
	version := fs.Bool("version", false, "Print version info")
	help := fs.Bool("help", false, "Print help")

	opts, err := parseOptions(fs, os.Args[1:], envDefaults())
	if err != nil {
		log.Fatalf("invalid options: %v", err)
	}

	if *version {
		printVersion()
		os.Exit(0)
	}

	if *help {
		printVersion()
		fs.PrintDefaults()
		os.Exit(0)
	}

	if opts.Simulate {
		log.Printf("Simulation mode: no sensor connection")
	} else if opts.DeviceAddress != "" {
		log.Printf("Selected CSC sensor: %s", opts.DeviceAddress)
	}

	app, err := NewCadenceApp(opts)
	if err != nil {
		log.Fatalf("failed to create cadence app: %v", err)
	}
	defer app.Destroy()

	// Handle SIGINT and SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Run until signal received
	<-sigChan
}
