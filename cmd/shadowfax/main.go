// Shadowfax is a protocol-translating proxy that exposes OpenAI- and
// Anthropic-compatible APIs over a proprietary code-assistant backend,
// multiplexing requests across a pool of upstream credentials.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eugener/shadowfax/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", filepath.Join(config.Dir(), "config.json"), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("shadowfax", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
