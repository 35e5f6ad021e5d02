package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clusterlink/internal/cluster"
	"clusterlink/internal/debuglog"
	"clusterlink/internal/metrics"
	"clusterlink/internal/peer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		fmt.Fprintln(stdout, peer.NewID())
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: clusterlink-node <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  run    start a cluster node")
	fmt.Fprintln(w, "  id     print a fresh peer id")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		port        = fs.Uint("port", 29015, "cluster listen port (0 = any)")
		clientPort  = fs.Uint("client-port", 0, "fixed outbound source port (0 = ephemeral)")
		bind        = fs.String("bind", "", "comma-separated bind IPs (empty = all)")
		canonical   = fs.String("canonical", "", "advertised host:port set (empty = derive from listeners)")
		join        = fs.String("join", "", "comma-separated host:port addresses to join")
		metricsAddr = fs.String("metrics-addr", "", "serve prometheus metrics on this address")
		strictBuild = fs.Bool("strict-build-mode", false, "abort handshakes on build-mode mismatch")
	)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	m := metrics.New()
	cfg := cluster.Config{
		ListenPort:      uint16(*port),
		ClientPort:      uint16(*clientPort),
		StrictBuildMode: *strictBuild,
	}
	if *bind != "" {
		for _, ip := range strings.Split(*bind, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				cfg.Bind = append(cfg.Bind, ip)
			}
		}
	}
	if *canonical != "" {
		addr, err := peer.ParseAddress(*canonical)
		if err != nil {
			fmt.Fprintf(stderr, "bad -canonical: %v\n", err)
			return 1
		}
		cfg.Canonical = addr.Endpoints()
	}

	c := cluster.New(cluster.Options{Metrics: m})
	r, err := cluster.NewRun(c, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "peer %s listening on port %d\n", c.Me(), r.Port())

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				debuglog.Warnf("metrics server: %v", err)
			}
		}()
	}

	if *join != "" {
		for _, raw := range strings.Split(*join, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			addr, err := peer.ParseAddress(raw)
			if err != nil {
				fmt.Fprintf(stderr, "bad -join address %q: %v\n", raw, err)
				return 1
			}
			r.Join(addr)
		}
	}

	events, cancel := c.Connections(0).Subscribe()
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case snap := <-events:
			fmt.Fprintf(stdout, "connections: %s\n", formatPeers(snap))
		case <-sig:
			fmt.Fprintln(stdout, "shutting down")
			if err := r.Close(); err != nil {
				fmt.Fprintf(stderr, "close: %v\n", err)
				return 1
			}
			return 0
		}
	}
}

func formatPeers(m cluster.ConnMap) string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id.Short())
	}
	sort.Strings(ids)
	return strings.Join(ids, " ")
}
