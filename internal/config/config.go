// Package config loads the process's listener and filter-chain
// configuration from INI, continuing the teacher lineage's approach: one
// file, mapped with gopkg.in/ini.v1, with environment-variable overrides
// for the values a deployment most often needs to override without
// touching the file (port, crypto key).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// ListenerSpec describes one [listener.<name>] section: a bind address, a
// protocol, the pre-connection filter pipeline to run on it, and (for
// listeners that feed a mux bridge) the internal-listener target a stream
// should be dispatched to.
type ListenerSpec struct {
	Name              string
	Address           string
	Protocol          string // "tcp", "udp", or "internal"
	Timeout           time.Duration
	ContinueOnTimeout bool
	Filters           []string
	Target            string
}

// Config is the whole process's configuration: the shared crypto key plus
// every listener to bring up.
type Config struct {
	CryptKey  string
	Listeners []ListenerSpec
}

// Load reads fileName, mapping [common] for shared settings and every
// [listener.<name>] section into a ListenerSpec, then applies environment
// overrides.
func Load(fileName string) (*Config, error) {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", fileName, err)
	}

	cfg := &Config{}
	if iniFile.HasSection("common") {
		cfg.CryptKey = iniFile.Section("common").Key("crypt_key").String()
	}

	for _, sec := range iniFile.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, "listener.") {
			continue
		}
		spec, err := parseListenerSection(sec)
		if err != nil {
			return nil, fmt.Errorf("config: section %q: %w", name, err)
		}
		spec.Name = strings.TrimPrefix(name, "listener.")
		cfg.Listeners = append(cfg.Listeners, spec)
	}

	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("config: no [listener.*] sections found in %s", fileName)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func parseListenerSection(sec *ini.Section) (ListenerSpec, error) {
	spec := ListenerSpec{
		Address:           sec.Key("address").String(),
		Protocol:          sec.Key("protocol").MustString("tcp"),
		Target:            sec.Key("target").String(),
		ContinueOnTimeout: sec.Key("continue_on_timeout").MustBool(false),
	}
	if spec.Address == "" {
		return ListenerSpec{}, fmt.Errorf("missing address")
	}
	switch spec.Protocol {
	case "tcp", "udp", "internal":
	default:
		return ListenerSpec{}, fmt.Errorf("unknown protocol %q", spec.Protocol)
	}

	timeoutSeconds := sec.Key("timeout_seconds").MustFloat64(5)
	spec.Timeout = time.Duration(timeoutSeconds * float64(time.Second))

	if raw := sec.Key("filters").String(); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				spec.Filters = append(spec.Filters, f)
			}
		}
	}
	return spec, nil
}

// applyEnvOverrides mirrors the teacher's overrideFromEnvInt pattern: a
// deployment sets CRYPT_KEY to replace the INI-configured passphrase, and
// PORT (the PaaS-injected convention) or LISTENER_PORT to replace the first
// listener's port without editing the file.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("CRYPT_KEY"); key != "" {
		cfg.CryptKey = key
	}
	if len(cfg.Listeners) == 0 {
		return
	}
	overridePort(&cfg.Listeners[0].Address, "PORT")
	overridePort(&cfg.Listeners[0].Address, "LISTENER_PORT")
}

// overridePort is overrideFromEnvInt's analogue for a "host:port" address
// string: only the port half changes, so the bind host configured in the
// file is preserved.
func overridePort(address *string, envName string) {
	envValue := os.Getenv(envName)
	if envValue == "" {
		return
	}
	if _, err := strconv.Atoi(envValue); err != nil {
		return
	}
	host, _, err := net.SplitHostPort(*address)
	if err != nil {
		return
	}
	*address = net.JoinHostPort(host, envValue)
}
