package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/keon-os/marketops/pkg/audit"
	"github.com/keon-os/marketops/pkg/config"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/gate"
	"github.com/keon-os/marketops/pkg/governance"
)

// gateFlags are the flags shared by `precheck` and `gate`.
type gateFlags struct {
	packetPath      string
	outPath         string
	pretty          bool
	controlURL      string
	auditRoot       string
	tenantID        string
	actorID         string
	destinations    string
	executionTarget string
	execute         bool
}

func registerGateFlags(cmd *flag.FlagSet, f *gateFlags, cfg *config.Config) {
	cmd.StringVar(&f.packetPath, "packet", "", "Path to the publish packet JSON (REQUIRED)")
	cmd.StringVar(&f.outPath, "out", "", "Write the gate result to this file instead of stdout")
	cmd.BoolVar(&f.pretty, "pretty", false, "Indent the JSON result")
	cmd.StringVar(&f.controlURL, "control-url", cfg.SdkURL, "Governance SDK base URL")
	cmd.StringVar(&f.auditRoot, "audit-root", cfg.AuditRoot, "Root directory for decision receipts and evidence packs")
	cmd.StringVar(&f.tenantID, "tenant", cfg.TenantID, "Tenant the gate is scoped to")
	cmd.StringVar(&f.actorID, "actor", cfg.ActorID, "Actor the gate is scoped to")
	cmd.StringVar(&f.destinations, "destinations", strings.Join(cfg.Destinations, ","), "Comma-separated destination allowlist")
	cmd.StringVar(&f.executionTarget, "execution-target", "", "Target for the bound execution step")
	cmd.BoolVar(&f.execute, "execute", false, "Run the bound execution stage after an approved decision")
}

func (f *gateFlags) gateConfig() gate.Config {
	return gate.Config{
		TenantID:            f.tenantID,
		ActorID:             f.actorID,
		AllowedDestinations: strings.Split(f.destinations, ","),
		ExecutionTarget:     f.executionTarget,
		Execute:             f.execute,
	}
}

// runPrecheckCmd implements `marketops precheck`: shape and policy
// validation plus the packet hash, fully offline. It never contacts the
// Governance SDK and never verifies evidence.
//
// Exit codes:
//
//	0 = packet would pass precheck
//	1 = denied at precheck
//	2 = denied fail-closed (hash)
//	3 = usage or packet read error
func runPrecheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("precheck", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfg := config.Load()
	var f gateFlags
	registerGateFlags(cmd, &f, cfg)

	if err := cmd.Parse(args); err != nil {
		return 3
	}
	packet, code := loadPacket(f.packetPath, stderr)
	if code != 0 {
		return code
	}

	g, err := gate.New(f.gateConfig(), nil, nil, nil, audit.Nop())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}

	result := g.Precheck(packet)
	if code := writeResult(result, f.outPath, f.pretty, stdout, stderr); code != 0 {
		return code
	}
	return exitFor(result)
}

// runGateCmd implements `marketops gate`: the full six-stage check
// against the control plane, optionally with bound execution.
//
// Exit codes:
//
//	0 = allowed
//	1 = denied (precheck, decision)
//	2 = denied fail-closed (hash, execution, evidence pack, verify)
//	3 = usage, packet read, or unexpected error
func runGateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("gate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfg := config.Load()
	var f gateFlags
	registerGateFlags(cmd, &f, cfg)

	if err := cmd.Parse(args); err != nil {
		return 3
	}
	packet, code := loadPacket(f.packetPath, stderr)
	if code != 0 {
		return code
	}

	client, err := governance.NewHTTPClient(f.controlURL, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	auditLog := audit.NewLoggerWithWriter(stderr)
	writer, err := audit.NewWriter(client.Evidence, f.auditRoot, auditLog)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	g, err := gate.New(f.gateConfig(), client.Tools, client.Evidence, writer, auditLog)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := g.Check(ctx, packet)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: gate aborted: %v\n", err)
		return 3
	}
	if code := writeResult(result, f.outPath, f.pretty, stdout, stderr); code != 0 {
		return code
	}
	return exitFor(result)
}

func loadPacket(path string, stderr io.Writer) (*contracts.PublishPacket, int) {
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --packet is required")
		return nil, 3
	}
	data, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read packet: %v\n", err)
		return nil, 3
	}
	var packet contracts.PublishPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot parse packet: %v\n", err)
		return nil, 3
	}
	return &packet, 0
}

func writeResult(result contracts.GateResult, outPath string, pretty bool, stdout, stderr io.Writer) int {
	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(result, "", "  ")
	} else {
		data, err = json.Marshal(result)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot encode result: %v\n", err)
		return 3
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write result: %v\n", err)
			return 3
		}
		return 0
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

// exitFor maps a gate result to the documented exit codes: plain denials
// exit 1, fail-closed denials exit 2, exceptions exit 3.
func exitFor(result contracts.GateResult) int {
	if result.Allowed {
		return 0
	}
	switch result.FailureStage {
	case contracts.StagePrecheck, contracts.StageDecision:
		return 1
	case contracts.StageHash, contracts.StageExecution, contracts.StageEvidencePack, contracts.StageVerify:
		return 2
	default:
		return 3
	}
}
