package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyFile overlays the key=value settings in path onto c. A missing file
// is reported with an error satisfying errors.Is(err, os.ErrNotExist).
func (c *Config) ApplyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer f.Close()

	if err := c.parse(f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// parse reads one `key = value` pair per line. Blank lines and anything
// after '#' are ignored.
func (c *Config) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++

		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return fmt.Errorf("line %d: %w: %q", line, ErrMalformedLine, text)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := c.set(key, value); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return scanner.Err()
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "host":
		c.Host = value
	case "port":
		c.Port, err = strconv.Atoi(value)
	case "mirror":
		c.Mirror, err = strconv.ParseBool(value)
	case "max_players":
		c.MaxPlayers, err = strconv.Atoi(value)
	case "max_rate":
		c.MaxRate, err = strconv.Atoi(value)
	case "debug", "debug_print":
		c.Debug, err = strconv.ParseBool(value)
	case "read_timeout":
		c.ReadTimeout, err = time.ParseDuration(value)
	case "write_timeout":
		c.WriteTimeout, err = time.ParseDuration(value)
	case "poll_interval":
		c.PollInterval, err = time.ParseDuration(value)
	case "accept_rate":
		c.AcceptRate, err = strconv.ParseFloat(value, 64)
	case "accept_burst":
		c.AcceptBurst, err = strconv.Atoi(value)
	case "http_addr":
		c.HTTPAddr = value
	case "shutdown_timeout":
		c.ShutdownTimeout, err = time.ParseDuration(value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
