package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables recognized by ApplyEnv.
const (
	EnvStartPort        = "TASKRUN_START_PORT"
	EnvMaxPortAttempts  = "TASKRUN_MAX_PORT_ATTEMPTS"
	EnvGracePeriod      = "TASKRUN_GRACE_PERIOD"
	EnvPollInterval     = "TASKRUN_POLL_INTERVAL"
	EnvTickInterval     = "TASKRUN_TICK_INTERVAL"
	EnvHandshakeTimeout = "TASKRUN_HANDSHAKE_TIMEOUT"
	EnvDrainWindow      = "TASKRUN_DRAIN_WINDOW"
	EnvCodec            = "TASKRUN_CODEC"
	EnvWorker           = "TASKRUN_WORKER"
	EnvLogLevel         = "TASKRUN_LOG_LEVEL"
	EnvLogFormat        = "TASKRUN_LOG_FORMAT"
	EnvLogOutputs       = "TASKRUN_LOG_OUTPUTS" // comma-separated
)

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		EnvStartPort:       &c.StartPort,
		EnvMaxPortAttempts: &c.MaxPortAttempts,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*Duration{
		EnvGracePeriod:      &c.GracePeriod,
		EnvPollInterval:     &c.PollInterval,
		EnvTickInterval:     &c.TickInterval,
		EnvHandshakeTimeout: &c.HandshakeTimeout,
		EnvDrainWindow:      &c.DrainWindow,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if v, ok := lookup(EnvCodec); ok && v != "" {
		c.Codec = v
	}
	if v, ok := lookup(EnvWorker); ok && v != "" {
		c.Worker.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = v
	}
	if v, ok := lookup(EnvLogOutputs); ok && v != "" {
		var outs []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outs = append(outs, o)
			}
		}
		c.Log.Outputs = outs
	}
	return nil
}
