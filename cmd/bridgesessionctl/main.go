// Command bridgesessionctl is a minimal local wiring demonstration for the
// bridge stack: it builds one toolsurface.Surface over either an in-process
// transport/fake room (the default, for smoke-testing without a relay) or a
// real transport/wsroom relay connection, reads newline-delimited tool-call
// requests from stdin, dispatches them, and writes newline-delimited
// responses to stdout. It does not implement MCP JSON-RPC framing or any
// other outer transport; a host process speaking that transport is expected
// to translate tool calls into the {"tool": ..., "params": ...} shape this
// binary reads. Grounded on the teacher lineage's flowersec-tunnel flag/env
// wiring shape (see cmd/flowersec-tunnel/main.go): env-first, flag-overrides,
// optional Prometheus metrics endpoint behind a toggle.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/steveseguin/ninjamcp/config/profile"
	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/internal/cmdutil"
	ctlversion "github.com/steveseguin/ninjamcp/internal/version"
	"github.com/steveseguin/ninjamcp/observability"
	"github.com/steveseguin/ninjamcp/observability/prom"
	"github.com/steveseguin/ninjamcp/origin"
	"github.com/steveseguin/ninjamcp/toolsurface"
	"github.com/steveseguin/ninjamcp/transport"
	"github.com/steveseguin/ninjamcp/transport/fake"
	"github.com/steveseguin/ninjamcp/transport/wsroom"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type request struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *toolsurface.ToolError `json:"error,omitempty"`
}

func run(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	relayURL := cmdutil.EnvString("BRIDGECTL_RELAY_URL", "")
	profileName := cmdutil.EnvString("BRIDGECTL_PROFILE", string(profile.Default))
	allowTools := cmdutil.SplitCSVEnv("BRIDGECTL_ALLOW_TOOLS")
	metricsListen := cmdutil.EnvString("BRIDGECTL_METRICS_LISTEN", "")
	pretty, _ := cmdutil.EnvBool("BRIDGECTL_PRETTY", false)

	fs := flag.NewFlagSet("bridgesessionctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&relayURL, "relay-url", relayURL, "wsroom relay websocket URL; empty uses an in-process fake room (env: BRIDGECTL_RELAY_URL)")
	fs.StringVar(&profileName, "profile", profileName, "default tuning profile name for connect requests that omit one (env: BRIDGECTL_PROFILE)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for a Prometheus /metrics endpoint (empty disables) (env: BRIDGECTL_METRICS_LISTEN)")
	fs.BoolVar(&pretty, "pretty", pretty, "pretty-print JSON responses (env: BRIDGECTL_PRETTY)")
	var allowToolsFlag string
	fs.StringVar(&allowToolsFlag, "allow-tools", strings.Join(allowTools, ","), "comma-separated tool allow-list; empty allows every registered tool (env: BRIDGECTL_ALLOW_TOOLS)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, ctlversion.String(version, commit, date))
		return 0
	}
	if allowToolsFlag != "" {
		allowTools = splitCSV(allowToolsFlag)
	}

	var newTransport func() transport.PeerTransport
	if relayURL == "" {
		broker := fake.NewBroker()
		newTransport = func() transport.PeerTransport { return fake.New(broker) }
	} else {
		dialer := wsroom.Dialer{URL: relayURL}
		if o, err := origin.FromWSURL(relayURL); err == nil {
			dialer.Header = http.Header{"Origin": []string{o}}
		}
		newTransport = func() transport.PeerTransport { return wsroom.New(dialer) }
	}

	sessionObs := observability.NewAtomicSessionObserver()
	if metricsListen != "" {
		reg := prom.NewRegistry()
		sessionObs.Set(prom.NewSessionObserver(reg))
		ln, err := net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		srv := &http.Server{Handler: mux}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Fatal(err)
			}
		}()
		defer srv.Close()
		logger.Printf("metrics listening on %s", ln.Addr())
	}

	sf := toolsurface.New(newTransport, sessionObs)
	prof := profile.NewToolProfile(profile.Name(profileName), allowTools)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return 0
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			_ = cmdutil.WriteJSON(stdout, response{Error: &toolsurface.ToolError{
				Kind:    errclass.KindValidation,
				Code:    string(errclass.CodeInvalidInput),
				Message: err.Error(),
			}}, pretty)
			continue
		}
		result, toolErr := sf.DispatchWithProfile(ctx, prof, req.Tool, req.Params)
		_ = cmdutil.WriteJSON(stdout, response{Tool: req.Tool, Result: result, Error: toolErr}, pretty)
	}
	return 0
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
