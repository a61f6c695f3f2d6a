// Command edgecore is the device-side daemon binding a secure-element
// certificate lifecycle to a mutual-TLS MQTT transport. Run with no
// arguments for the interactive operator menu, or a subcommand for
// scripted/systemd use.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/edgecore/device/internal/config"
	"github.com/edgecore/device/internal/logging"
)

// Version, BuildTime and Commit are set via -ldflags at release build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

const banner = `
  _____    _
 | ____|__| | __ _  ___  ___ ___  _ __ ___
 |  _| / _' |/ _' |/ _ \/ __/ _ \| '__/ _ \
 | |__| (_| | (_| |  __/ (_| (_) | | |  __/
 |_____\__,_|\__, |\___|\___\___/|_|  \___|
             |___/
`

func main() {
	if len(os.Args) < 2 {
		menu := NewMenu()
		menu.Run()
		return
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "menu":
		NewMenu().Run()
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "edgecore: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(banner)
	fmt.Println("  Secure-element certificate lifecycle and MQTT transport daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  edgecore                 interactive operator menu")
	fmt.Println("  edgecore run              run the daemon in the foreground")
	fmt.Println("  edgecore status           print current certificate/health status")
	fmt.Println("  edgecore menu             interactive operator menu")
	fmt.Println("  edgecore version          print version information")
	fmt.Println("  edgecore help             show this help text")
	fmt.Println()
	fmt.Println("Environment overrides:")
	fmt.Println("  EDGECORE_MQTT_HOST, EDGECORE_MQTT_PORT, EDGECORE_SEAL_BACKEND, EDGECORE_LOG_LEVEL")
	fmt.Println()
	fmt.Printf("Config file: %s\n", config.ConfigPath())
}

func printVersion() {
	fmt.Print(banner)
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Commit:     %s\n", Commit)
	fmt.Printf("  Platform:   %s\n", platformString())
}

// cmdRun starts the daemon in the foreground, blocking until SIGINT/SIGTERM.
func cmdRun() {
	defer logging.RecoverPanicWith(map[string]interface{}{"op": "cmd_run"})

	d, err := NewDaemon(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgecore: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-sigChan
		fmt.Println()
		fmt.Println("Shutting down...")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "edgecore: %v\n", err)
		os.Exit(1)
	}
}

// cmdStatus prints a one-shot snapshot of certificate selection and health
// without starting the MQTT transport or the daemon's long-running loop.
func cmdStatus() {
	d, err := NewDaemon(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgecore: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	ctx := context.Background()
	sel, err := d.clsm.Select(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgecore: selection failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Certificate selection: %s\n", sel.String())
	fmt.Printf("Fallback observed:     %v\n", d.clsm.FallbackObserved())
	if d.clsm.FallbackObserved() {
		fmt.Printf("Fallback reason:       %s\n", d.clsm.FallbackReason().String())
	}
	fmt.Printf("CLSM state:            %s\n", d.clsm.State().String())

	results := d.health.Check(ctx)
	fmt.Println()
	fmt.Println("Health checks:")
	for name, result := range results {
		fmt.Printf("  %-12s %s  %s\n", name, result.Status, result.Message)
	}
	fmt.Printf("\nOverall: %s\n", d.health.OverallStatus())
}

func platformString() string {
	return fmt.Sprintf("%s/%s (%s)", runtime.GOOS, runtime.GOARCH, runtime.Version())
}
