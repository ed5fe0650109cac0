package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/keon-os/marketops/pkg/config"
	"github.com/keon-os/marketops/pkg/fcsign"
	"github.com/keon-os/marketops/pkg/proofpack"
)

// runProofpackVerifyCmd implements `marketops proofpack-verify`.
//
// Re-derives every hash, signature, and cross-binding of a sealed Proof
// Pack from the bytes on disk. Needs no network; the manifest public key
// ships inside the pack. The receipt HMAC check needs the Federation
// Core key (flag or MARKETOPS_FC_HMAC_KEY) and fails closed without it.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	3 = usage or runtime error
func runProofpackVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("proofpack-verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfg := config.Load()

	var (
		packDir     string
		issuerID    string
		fcKey       string
		jsonOutput  bool
		jsonOutFile string
	)
	cmd.StringVar(&packDir, "pack", "", "Path to the Proof Pack directory (REQUIRED)")
	cmd.StringVar(&issuerID, "issuer", cfg.IssuerID, "Expected receipt issuer id")
	cmd.StringVar(&fcKey, "fc-hmac-key", cfg.FcHmacKey, "Federation Core HMAC key for receipt signatures")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON to stdout")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write the report to a file (auditor mode)")

	if err := cmd.Parse(args); err != nil {
		return 3
	}
	if packDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --pack is required")
		return 3
	}

	var fc *fcsign.Signer
	if fcKey != "" {
		var err error
		fc, err = fcsign.New("fc-primary", []byte(fcKey))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 3
		}
	}

	report, err := proofpack.NewVerifier(fc, issuerID).VerifyPack(packDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed to run: %v\n", err)
		return 3
	}

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(report, "", "  ")
		if writeErr := os.WriteFile(jsonOutFile, data, 0o644); writeErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write report: %v\n", writeErr)
			return 3
		}
		_, _ = fmt.Fprintf(stdout, "Report written to %s\n", jsonOutFile)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "✅ Proof Pack verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Pack:   %s\n", packDir)
		_, _ = fmt.Fprintf(stdout, "Checks: %s\n", report.Summary)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Proof Pack verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Pack: %s\n", packDir)
		for _, c := range report.Checks {
			if !c.Pass {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Reason)
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}
