package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"brokertuner/internal/knob"
)

// RestartRequiredKnobs are the knobs Mosquitto only picks up on a full
// restart, never on SIGHUP reload.
var RestartRequiredKnobs = map[string]bool{
	"persistence":       true,
	"memory_limit":      true,
	"autosave_interval": true,
}

// TemplateParams are the fixed, non-knob fields the standalone configuration
// template needs: a pid file, a listener port, and the $SYS telemetry
// publish interval.
type TemplateParams struct {
	PIDFile     string
	ListenPort  int
	SysInterval int
}

// RenderConfig renders a full, standalone Mosquitto configuration: a fixed
// template (pid file, TCP listener, anonymous access, logging disabled,
// $SYS telemetry interval) followed by the knob-derived lines. This is the
// entire file mosquitto is started against, not a conf.d drop-in layered on
// top of some other base config. A knob value of 0 for max_packet_size or
// message_size_limit is omitted entirely, since Mosquitto treats the absence
// of the directive as "use the built-in default" rather than accepting a
// literal 0.
func RenderConfig(params TemplateParams, d knob.Dict) string {
	var b strings.Builder
	b.WriteString("# generated by brokertuner, do not edit by hand\n\n")

	fmt.Fprintf(&b, "pid_file %s\n", params.PIDFile)
	fmt.Fprintf(&b, "listener %d\n", params.ListenPort)
	b.WriteString("allow_anonymous true\n")
	b.WriteString("log_dest none\n")
	fmt.Fprintf(&b, "sys_interval %d\n", params.SysInterval)
	b.WriteString("\n")

	addInt := func(key string, v int) {
		fmt.Fprintf(&b, "%s %d\n", key, v)
	}
	addBool := func(key string, v bool) {
		val := "false"
		if v {
			val = "true"
		}
		fmt.Fprintf(&b, "%s %s\n", key, val)
	}

	addInt("max_inflight_messages", d.MaxInflightMessages)
	addInt("max_inflight_bytes", d.MaxInflightBytes)
	addInt("max_queued_messages", d.MaxQueuedMessages)
	addInt("max_queued_bytes", d.MaxQueuedBytes)
	addBool("queue_qos0_messages", d.QueueQoS0Messages)

	addInt("memory_limit", d.MemoryLimit)
	addBool("persistence", d.Persistence)
	addInt("autosave_interval", d.AutosaveInterval)

	addBool("set_tcp_nodelay", d.SetTCPNodelay)
	if d.MaxPacketSize > 0 {
		addInt("max_packet_size", d.MaxPacketSize)
	}
	if d.MessageSizeLimit > 0 {
		addInt("message_size_limit", d.MessageSizeLimit)
	}

	return b.String()
}

// NeedsRestart reports whether d differs from prev in a field Mosquitto only
// applies on restart.
func NeedsRestart(prev, next knob.Dict) bool {
	return prev.Persistence != next.Persistence ||
		prev.MemoryLimit != next.MemoryLimit ||
		prev.AutosaveInterval != next.AutosaveInterval
}

// WriteConfig atomically writes content to path: it writes to a temp file in
// the same directory then renames over the target, so a crash mid-write never
// leaves Mosquitto picking up a truncated config.
func WriteConfig(path string, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("broker: creating config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".broker_tuner-*.tmp")
	if err != nil {
		return fmt.Errorf("broker: creating temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("broker: writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("broker: closing temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("broker: renaming config into place: %w", err)
	}
	return nil
}
