package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/accordsai/negotiationlane/pkg/attest"
	"github.com/accordsai/negotiationlane/pkg/canonhash"
	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

const usage = "usage: negctl keygen [--id <key_id>] | negctl canon --in <path> | negctl verify --export <path> --keys <id:key,...>"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, time.Now))
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "canon":
		return runCanon(args[1:], stdout, stderr)
	case "verify":
		return runVerify(args[1:], stdout, stderr, now)
	default:
		fmt.Fprintln(stderr, usage)
		return 2
	}
}

// runKeygen prints a fresh ed25519 identity in the form the service reads
// from ATTEST_ACTIVE_KEY_ID, ATTEST_SIGNING_KEY and ATTEST_PUBLIC_KEYS.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyID := fs.String("id", "", "key id (default k<unix time>)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id := strings.TrimSpace(*keyID)
	if id == "" {
		id = fmt.Sprintf("k%d", time.Now().Unix())
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintln(stderr, "generate key:", err)
		return 1
	}
	encodedPub, err := attest.EncodePublicKey(pub)
	if err != nil {
		fmt.Fprintln(stderr, "encode public key:", err)
		return 1
	}
	writeJSON(stdout, map[string]string{
		"keyId":      id,
		"signingKey": base64.StdEncoding.EncodeToString(priv.Seed()),
		"publicKey":  encodedPub,
		"publicKeys": id + ":" + encodedPub,
	})
	return 0
}

func runCanon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("canon", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "path to a json document (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	b, err := readInput(*in)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	canonical, err := canonhash.CanonicalizeJSON(b)
	if err != nil {
		fmt.Fprintln(stderr, "canonicalize:", err)
		return 1
	}
	fmt.Fprintln(stdout, string(canonical))
	fmt.Fprintln(stderr, "sha256:"+canonhash.HashBytes(canonical))
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer, now func() time.Time) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	exportPath := fs.String("export", "", "path to an exported json document (- for stdin)")
	keys := fs.String("keys", os.Getenv("ATTEST_PUBLIC_KEYS"), "verification keys as id:base64key, comma separated")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	doc, err := readInput(*exportPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	ring, err := attest.ParseKeyRing(*keys)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	res := attest.Verify(doc, ring)
	summary := map[string]any{
		"status":       "FAIL",
		"signingKeyId": res.SigningKeyID,
	}
	// Fields are only echoed from documents that parse unambiguously.
	if res.Reason != attest.ReasonMalformedDocument {
		summary["schema"] = gjson.GetBytes(doc, "schemaVersion").String()
		summary["subjects"] = gjson.GetBytes(doc, "subjectIds").Value()
		summary["events"] = gjson.GetBytes(doc, "events.#").Int()
		if signedAt, err := time.Parse(time.RFC3339Nano, gjson.GetBytes(doc, "attestation.signedAt").String()); err == nil {
			summary["signedAt"] = signedAt.UTC().Format(time.RFC3339)
			summary["signedAge"] = humanize.RelTime(signedAt, now(), "ago", "from now")
		}
	}
	if !res.Verified {
		summary["reason"] = res.Reason
		writeJSON(stdout, summary)
		return 1
	}
	summary["status"] = "PASS"
	summary["hash"] = res.Hash
	writeJSON(stdout, summary)
	return 0
}

func readInput(path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	switch path {
	case "":
		return nil, fmt.Errorf("an input path is required")
	case "-":
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

func writeJSON(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	_, _ = w.Write(pretty.Pretty(b))
}
