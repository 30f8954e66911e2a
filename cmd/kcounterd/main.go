package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/kcounter/internal/config"
	"github.com/danmuck/kcounter/internal/observability"
	"github.com/danmuck/kcounter/internal/service"
)

func main() {
	path := flag.String("config", "", "path to config.toml (defaults apply when empty)")
	flag.Parse()

	observability.InitLogger("kcounterd")

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kcounterd: %v\n", err)
		os.Exit(1)
	}
	if err := service.NewService(cfg, *path).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "kcounterd: %v\n", err)
		os.Exit(1)
	}
}
