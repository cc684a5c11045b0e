package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o mnemo ./cmd/mnemo
var (
	version = "dev"
	commit  = "unknown"
)

var osExit = os.Exit

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
		return
	}

	switch os.Args[1] {
	case "node":
		runNode(os.Args[2:])
	case "cli":
		runCLI(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("mnemo %s (%s)\n", version, commit)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: mnemo <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  node    Run a network node; capabilities decide its role")
	fmt.Println("  cli     Run an interactive CLI node (shorthand for node --capabilities cli)")
	fmt.Println("  version Show version")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Memory node (graph store + LLM access)")
	fmt.Println("  mnemo node --capabilities store,llm --port 9000")
	fmt.Println()
	fmt.Println("  # Inference agent node")
	fmt.Println("  mnemo node --capabilities inference --port 9001 --bootstrap http://localhost:9000")
	fmt.Println()
	fmt.Println("  # Validator node")
	fmt.Println("  mnemo node --capabilities validation --port 9002 --bootstrap http://localhost:9000")
	fmt.Println()
	fmt.Println("  # Interactive CLI node")
	fmt.Println("  mnemo cli --bootstrap http://localhost:9000")
}
