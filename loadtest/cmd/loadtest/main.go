// Command loadtest drives the chat server with simulated clients.
//
//	loadtest saturate [options]   open N idle connections and hold them
//	loadtest rooms [options]      spread clients over rooms and chat
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

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "rooms":
		runRooms(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Open N idle connections and hold them")
	fmt.Println("  rooms       Join clients to rooms and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
