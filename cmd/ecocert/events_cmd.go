package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ecosign/ecocert/pkg/custody"
)

// runEventsCmd implements `ecocert events`: print a document's custody
// trail, or append one event with --append.
//
// Exit codes:
//
//	0 = success
//	1 = custody log unavailable
//	2 = usage or runtime error
func runEventsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("events", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		documentID, eventType string
		email, name, ip       string
		cfgPath               string
		meta                  stringList
		jsonOutput            bool
	)
	cmd.StringVar(&documentID, "document", "", "Document id (REQUIRED)")
	cmd.StringVar(&eventType, "append", "", "Append an event of this type instead of listing")
	cmd.StringVar(&email, "actor-email", "", "Actor email for --append")
	cmd.StringVar(&name, "actor-name", "", "Actor name for --append")
	cmd.StringVar(&ip, "ip", "", "Client IP address for --append")
	cmd.Var(&meta, "meta", "key=value metadata for --append; repeatable")
	cmd.StringVar(&cfgPath, "config", "", "Path to config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if documentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --document is required")
		return exitError
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	ctx := context.Background()
	svc, err := openServices(ctx, cfg, stderr, serviceOptions{custody: true})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer svc.Close(ctx)

	if eventType != "" {
		ne := custody.NewEvent{DocumentID: documentID, Type: custody.EventType(eventType), IPAddress: ip}
		if email != "" || name != "" {
			ne.Actor = &custody.Actor{Email: email, Name: name}
		}
		for _, kv := range meta {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				_, _ = fmt.Fprintf(stderr, "Error: --meta %q is not key=value\n", kv)
				return exitError
			}
			if ne.Metadata == nil {
				ne.Metadata = map[string]any{}
			}
			ne.Metadata[k] = v
		}
		ev, err := svc.custody.Append(ctx, ne)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(ev, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
		} else {
			_, _ = fmt.Fprintf(stdout, "Appended %s event %s at %s\n", ev.Type, ev.ID, ev.Timestamp.Format(time.RFC3339))
		}
		return exitOK
	}

	events, loadErr := svc.custody.LoadEvents(ctx, documentID)
	trail := custody.BuildTrail(documentID, events, loadErr)
	if jsonOutput {
		data, _ := json.MarshalIndent(trail, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printTrail(stdout, trail)
	}
	if loadErr != nil {
		return exitInvalid
	}
	return exitOK
}

func printTrail(w io.Writer, t custody.Trail) {
	_, _ = fmt.Fprintf(w, "Custody trail for %s\n", t.DocumentID)
	if !t.Available || len(t.Entries) == 0 {
		_, _ = fmt.Fprintf(w, "  %s\n", t.Reason)
		return
	}
	for _, e := range t.Entries {
		who := "system"
		if a := e.Event.Actor; a != nil {
			who = firstNonEmpty(a.Email, a.Name)
		}
		line := fmt.Sprintf("  %3d  %s  %-16s %s", e.Position, e.Event.Timestamp.Format(time.RFC3339), e.Event.Type, who)
		if e.Event.IPAddress != "" {
			line += "  " + e.Event.IPAddress
		}
		if len(e.Flags) > 0 {
			line += fmt.Sprintf("  %v", e.Flags)
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if t.Anomalies > 0 {
		_, _ = fmt.Fprintf(w, "  ! %d entries flagged\n", t.Anomalies)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
