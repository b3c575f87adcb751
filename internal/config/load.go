package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"
)

// Flags holds the command-line surface: a single optional positional env
// file argument, mirroring cmd/atlas's "[env_file]" usage. When no file is
// given, configuration comes from the process environment.
type Flags struct {
	Help    bool
	EnvFile string
}

// ParseFlags parses args (normally os.Args[1:]) into a FlagSet the caller
// can use for usage text as well as the parsed Flags.
func ParseFlags(args []string) (Flags, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("spinnaker-udp-proxy", pflag.ContinueOnError)
	help := fs.BoolP("help", "h", false, "show this help text")
	if err := fs.Parse(args); err != nil {
		return Flags{}, fs, err
	}
	if fs.NArg() > 1 {
		return Flags{}, fs, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}
	f := Flags{Help: *help}
	if fs.NArg() == 1 {
		f.EnvFile = fs.Arg(0)
	}
	return f, fs, nil
}

// Load builds a Config from either the process environment or, if envFile is
// non-empty, from that env file (in which case the process environment is
// ignored, matching cmd/atlas's "note: if env_file is provided, config from
// the environment is ignored").
func Load(envFile string) (Config, error) {
	var es []string
	if envFile == "" {
		es = os.Environ()
	} else {
		f, err := os.Open(envFile)
		if err != nil {
			return Config{}, fmt.Errorf("open env file: %w", err)
		}
		defer f.Close()

		m, err := envparse.Parse(f)
		if err != nil {
			return Config{}, fmt.Errorf("parse env file: %w", err)
		}
		es = make([]string, 0, len(m))
		for k, v := range m {
			es = append(es, k+"="+v)
		}
	}

	var c Config
	if err := c.UnmarshalEnv(es); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}
