package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"
)

// Flags holds the command-line overrides. Only flags that were actually given
// are applied, so an omitted flag never resets a file or env value.
type Flags struct {
	ConfigPath string

	values   Config
	noMirror bool
	port     *int
	set      map[string]bool
}

// ParseArgs parses args (without the program name). Besides the named flags,
// a bare number anywhere in args is taken as the port.
func ParseArgs(args []string) (*Flags, error) {
	return parseArgs(args, nil)
}

func parseArgs(args []string, output io.Writer) (*Flags, error) {
	f := &Flags{set: make(map[string]bool)}
	fs := flag.NewFlagSet("relaynet", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	d := DefaultConfig()
	fs.StringVar(&f.ConfigPath, "config", "", "path to a key = value config file (default "+DefaultFile+")")
	fs.StringVar(&f.values.Host, "host", d.Host, "listen host")
	fs.IntVar(&f.values.Port, "port", d.Port, "listen port")
	fs.BoolVar(&f.values.Mirror, "mirror", d.Mirror, "send frames back to their sender")
	fs.BoolVar(&f.noMirror, "no-mirror", false, "do not send frames back to their sender")
	fs.IntVar(&f.values.MaxPlayers, "max-players", d.MaxPlayers, "maximum concurrent connections")
	fs.IntVar(&f.values.MaxRate, "max-rate", d.MaxRate, "maximum relayed frames per second per connection")
	fs.BoolVar(&f.values.Debug, "debug", d.Debug, "enable debug logging")
	fs.DurationVar(&f.values.ReadTimeout, "read-timeout", d.ReadTimeout, "socket read timeout")
	fs.DurationVar(&f.values.WriteTimeout, "write-timeout", d.WriteTimeout, "per-peer broadcast write timeout")
	fs.DurationVar(&f.values.PollInterval, "poll-interval", d.PollInterval, "listener accept poll interval")
	fs.Float64Var(&f.values.AcceptRate, "accept-rate", d.AcceptRate, "new connections per second (0 = unlimited)")
	fs.IntVar(&f.values.AcceptBurst, "accept-burst", d.AcceptBurst, "burst for -accept-rate")
	fs.StringVar(&f.values.HTTPAddr, "http-addr", d.HTTPAddr, "address for the WebSocket bridge and stats endpoint (empty = off)")
	fs.DurationVar(&f.values.ShutdownTimeout, "shutdown-timeout", d.ShutdownTimeout, "how long shutdown waits for sessions")

	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}

		p, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnexpectedArg, rest[0])
		}
		f.port = &p
		rest = rest[1:]
	}

	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// Apply copies every explicitly given flag onto c.
func (f *Flags) Apply(c *Config) {
	if f.set["host"] {
		c.Host = f.values.Host
	}
	if f.port != nil {
		c.Port = *f.port
	}
	if f.set["port"] {
		c.Port = f.values.Port
	}
	if f.set["mirror"] {
		c.Mirror = f.values.Mirror
	}
	if f.set["no-mirror"] && f.noMirror {
		c.Mirror = false
	}
	if f.set["max-players"] {
		c.MaxPlayers = f.values.MaxPlayers
	}
	if f.set["max-rate"] {
		c.MaxRate = f.values.MaxRate
	}
	if f.set["debug"] {
		c.Debug = f.values.Debug
	}
	if f.set["read-timeout"] {
		c.ReadTimeout = f.values.ReadTimeout
	}
	if f.set["write-timeout"] {
		c.WriteTimeout = f.values.WriteTimeout
	}
	if f.set["poll-interval"] {
		c.PollInterval = f.values.PollInterval
	}
	if f.set["accept-rate"] {
		c.AcceptRate = f.values.AcceptRate
	}
	if f.set["accept-burst"] {
		c.AcceptBurst = f.values.AcceptBurst
	}
	if f.set["http-addr"] {
		c.HTTPAddr = f.values.HTTPAddr
	}
	if f.set["shutdown-timeout"] {
		c.ShutdownTimeout = f.values.ShutdownTimeout
	}
}

