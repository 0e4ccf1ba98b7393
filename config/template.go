package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Template is a shape-specific config-templates/*.env file: plain
// KEY=VALUE lines, comments starting with '#', inline comments stripped.
// Lines without '=' are ignored with a warning.
type Template map[string]string

// LoadTemplate reads a template file from dir (or from
// LOADSHAPER_TEMPLATE_DIR when set). A missing or unreadable file yields
// an empty template and a logged warning, never a fatal error: the
// built-in defaults still apply.
func LoadTemplate(dir, name string) Template {
	t := Template{}
	if name == "" {
		return t
	}
	if override := os.Getenv("LOADSHAPER_TEMPLATE_DIR"); override != "" {
		dir = override
	}
	path := filepath.Join(dir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config-template] warning: could not load template %s: %v", name, err)
		return t
	}

	for i, rawLine := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "=") {
			log.Printf("[config-template] warning: ignoring line without '=' at %s:%d: %q", name, i+1, line)
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		key := strings.TrimSpace(parts[0])
		value := parts[1]
		if idx := strings.Index(value, "#"); idx >= 0 {
			value = value[:idx]
		}
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if err := validateValue(key, value); err != nil {
			log.Printf("[config-template] warning: invalid value at %s:%d: %v", name, i+1, err)
			continue
		}
		t[key] = value
	}
	return t
}

// bounds holds (min, max) for every positive, bounded numeric key.
var bounds = map[string][2]float64{
	"CONTROL_PERIOD_SEC": {1.0, 3600.0},
	"AVG_WINDOW_SEC":     {10.0, 7200.0},
	"MEM_MIN_FREE_MB":    {50.0, 10000.0},
	"MEM_STEP_MB":        {1.0, 1000.0},
	"NET_PORT":           {1024.0, 65535.0},
	"NET_PACKET_SIZE":    {64.0, 65535.0},

	"CPU_P95_RING_BUFFER_BATCH_SIZE": {1.0, 1000.0},
	"NET_BURST_SEC":      {1.0, 3600.0},
	"NET_IDLE_SEC":       {1.0, 3600.0},
	"NET_LINK_MBIT":      {1.0, 10000.0},
	"NET_MIN_RATE_MBIT":  {0.1, 10000.0},
	"NET_MAX_RATE_MBIT":  {1.0, 10000.0},
	"JITTER_PERIOD_SEC":  {1.0, 3600.0},
}

func validateValue(key, value string) error {
	switch {
	case strings.HasSuffix(key, "_PCT"):
		pct, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s=%s must be a valid number (percentage)", key, value)
		}
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%s=%s must be between 0-100 (percentage)", key, value)
		}
	case strings.HasSuffix(key, "_ENABLED") || key == "LOAD_CHECK_ENABLED":
		lower := strings.ToLower(value)
		if lower != "true" && lower != "false" && lower != "1" && lower != "0" {
			return fmt.Errorf("%s=%s must be true/false or 1/0", key, value)
		}
	default:
		if b, ok := bounds[key]; ok {
			num, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("%s=%s must be a valid positive number", key, value)
			}
			if num <= 0 {
				return fmt.Errorf("%s=%s must be positive", key, value)
			}
			if num < b[0] || num > b[1] {
				return fmt.Errorf("%s=%s must be between %v-%v", key, value, b[0], b[1])
			}
		}
	}
	return nil
}
