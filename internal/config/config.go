// Package config resolves signaling and channel settings from environment
// variables (set by the browser-operator tooling this vehicle process
// pairs with) and CLI flags, following the teacher's flag.String default
// pattern from its server entrypoint.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Config holds everything needed to start a Session plus the local
// diagnostics server.
type Config struct {
	SignalingURLs []string
	ChannelID     string
	CtrlLabel     string
	StateLabel    string
	Metadata      json.RawMessage

	EstopAtStartup bool
	DiagAddr       string
}

// Load parses args (normally os.Args[1:]) against flag defaults seeded
// from the environment, matching the client's VITE_-prefixed env vars
// where the browser operator and this process read the same settings.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("teleop-core", flag.ContinueOnError)

	defaultURLs := firstNonEmpty(os.Getenv("SORA_SIGNALING_URL"), os.Getenv("VITE_SORA_SIGNALING_URLS"))
	defaultChannel := firstNonEmpty(os.Getenv("VITE_SORA_CHANNEL_ID"), "sora")
	defaultCtrlLabel := firstNonEmpty(os.Getenv("VITE_CTRL_LABEL"), "#ctrl")
	defaultStateLabel := firstNonEmpty(os.Getenv("SORA_STATE_LABEL"), "#state")
	defaultMetadata := os.Getenv("SORA_METADATA")
	defaultPassword := os.Getenv("SORA_PASSWORD")

	urls := fs.String("signaling-urls", defaultURLs, "comma-separated signaling websocket URLs")
	channelID := fs.String("room", defaultChannel, "signaling channel id")
	ctrlLabel := fs.String("ctrl-label", defaultCtrlLabel, "data channel label carrying inbound ctrl/hb/estop frames")
	stateLabel := fs.String("state-label", defaultStateLabel, "data channel label carrying outbound state frames")
	metadata := fs.String("metadata", defaultMetadata, "raw JSON signaling metadata, or empty")
	password := fs.String("password", defaultPassword, "injected into metadata.password")
	estop := fs.Bool("estop", false, "start with the emergency stop engaged")
	diagAddr := fs.String("diag-addr", ":8090", "diagnostics HTTP listen address (empty to disable)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		SignalingURLs:  splitNonEmpty(*urls),
		ChannelID:      *channelID,
		CtrlLabel:      *ctrlLabel,
		StateLabel:     *stateLabel,
		EstopAtStartup: *estop,
		DiagAddr:       *diagAddr,
	}

	meta, err := mergePassword(*metadata, *password)
	if err != nil {
		return Config{}, err
	}
	cfg.Metadata = meta
	return cfg, nil
}

// mergePassword folds password into raw's "password" key, parsing raw as a
// JSON object if non-empty. Returns nil if there is nothing to send.
func mergePassword(raw, password string) (json.RawMessage, error) {
	obj := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("parse -metadata: %w", err)
		}
	}
	if password != "" {
		obj["password"] = password
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return json.Marshal(obj)
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
