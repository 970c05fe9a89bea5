package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "keys":
		if len(os.Args) < 3 {
			printKeysUsage()
			os.Exit(1)
		}
		handleKeysCommand(os.Args[2:])
	case "init":
		handleInitCommand(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	case "version", "--version", "-v":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	usage := `Dataprotect Admin CLI - Key management for the data protection subsystem

Usage:
  dataprotect-admin <command> [options]

Available Commands:
  init        Generate a master key and starter configuration
  keys        Key lifecycle commands
  help        Show this help message
  version     Show version information

Use "dataprotect-admin <command> --help" for more information about a command.
`
	fmt.Print(usage)
}

func printVersion() {
	fmt.Println("Dataprotect Admin CLI v1.0.0")
}

func printKeysUsage() {
	usage := `Key lifecycle commands

Usage:
  dataprotect-admin keys <subcommand> [options]

Available Subcommands:
  list          List keys (all purposes or one)
  create        Create a new key for a purpose
  rotate        Rotate the active key for a purpose
  retire        Retire a decrypt-only or compromised key
  compromise    Mark a key compromised
  status        Show lifecycle status for a purpose

Global Flags:
  --config PATH   Config file (default: $DATAPROTECT_CONFIG or dataprotect.yaml)

Examples:
  # List every key for the graph-data purpose
  dataprotect-admin keys list --purpose=graph-data

  # Rotate the active key and report the re-encryption backlog
  dataprotect-admin keys rotate --purpose=graph-data --reason="scheduled"

  # Emergency: mark a key compromised
  dataprotect-admin keys compromise --key-id=<uuid> --reason="suspected exposure"
`
	fmt.Print(usage)
}
