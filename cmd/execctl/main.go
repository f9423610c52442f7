package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/contribu/bitflyer-data-server/internal/config"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	path := flag.String("config", defaultConfigPath, "path to the YAML config")
	flag.Parse()
	configPath := filepath.Clean(*path)

	reader := bufio.NewReader(os.Stdin)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== execd control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit tracked symbols")
		fmt.Println("3) Edit retention, backfill and watchdog knobs")
		fmt.Println("4) Save config")
		fmt.Println("5) Launch server")
		fmt.Println("6) Reload config from disk")
		fmt.Println("7) Show running server health")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(os.Stdout, cfg)
		case "2":
			editSymbols(reader, cfg)
		case "3":
			editKnobs(reader, cfg)
		case "4":
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "config invalid, not saved: %v\n", err)
			} else if err := config.Save(configPath, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "5":
			launchServer(reader, configPath)
		case "6":
			reloaded, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "7":
			if err := printHealth(os.Stdout, healthURL(cfg.App.ListenAddr)); err != nil {
				fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "\n--- Configuration Summary ---")
	fmt.Fprintf(w, "Environment: %s (listen %s)\n", cfg.App.Env, cfg.App.ListenAddr)
	fmt.Fprintf(w, "Symbols: %s (default %s)\n", strings.Join(cfg.Exchange.Symbols, ", "), cfg.App.DefaultSymbol)
	fmt.Fprintf(w, "Retention: %s, prune factor %.2f\n", cfg.RetentionWindow(), cfg.Retention.PruneFactor)
	fmt.Fprintf(w, "Backfill: %d per page, %s between pages\n", cfg.Backfill.PageSize, cfg.PageDelay())
	fmt.Fprintf(w, "Watchdog: every %s, stale after %s\n", cfg.WatchdogInterval(), cfg.StaleThreshold())
	fmt.Fprintf(w, "Ticker: enabled=%t product=%s every %s\n", cfg.Ticker.Enabled, cfg.Ticker.ProductCode, cfg.TickerInterval())
	if cfg.Relay.RedisAddr != "" {
		fmt.Fprintf(w, "Relay: %s (channels %s<SYMBOL>)\n", cfg.Relay.RedisAddr, cfg.Relay.ChannelPrefix)
	}
}

func editSymbols(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Symbols ---")
	fmt.Printf("Current symbols: %s\n", strings.Join(cfg.Exchange.Symbols, ", "))
	fmt.Print("Enter symbols comma-separated (blank to keep): ")
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.Exchange.Symbols = splitSymbols(line)
	}
	fmt.Printf("Default symbol [%s]: ", cfg.App.DefaultSymbol)
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.App.DefaultSymbol = strings.ToUpper(strings.TrimSpace(line))
	}
}

func editKnobs(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Knobs ---")
	cfg.Retention.Hours = promptFloat(reader, "Retention (hours)", cfg.Retention.Hours)
	cfg.Retention.PruneFactor = promptFloat(reader, "Prune factor", cfg.Retention.PruneFactor)
	cfg.Backfill.PageSize = int(promptFloat(reader, "Backfill page size", float64(cfg.Backfill.PageSize)))
	cfg.Backfill.PageDelayMs = int(promptFloat(reader, "Backfill page delay (ms)", float64(cfg.Backfill.PageDelayMs)))
	cfg.Watchdog.StaleThresholdSec = int(promptFloat(reader, "Stale threshold (s)", float64(cfg.Watchdog.StaleThresholdSec)))
}

func launchServer(reader *bufio.Reader, configPath string) {
	fmt.Println("Launching execd (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/execd", "-config", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the server and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func healthURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		listenAddr = "localhost" + listenAddr
	}
	return "http://" + listenAddr + "/healthz"
}

func printHealth(w io.Writer, url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func splitSymbols(line string) []string {
	var out []string
	for _, p := range strings.Split(strings.TrimSpace(line), ",") {
		if trimmed := strings.ToUpper(strings.TrimSpace(p)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}
