package core

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// Options is the parsed command line of the donor client.
type Options struct {
	Server       string
	Owner        string
	Title        string
	Description  string
	Metadata     map[string]string
	Submit       bool
	PollInterval time.Duration
	Timeout      time.Duration
	Paths        []ParsedPath
}

// ParseOptions parses flags followed by the files and directories to donate.
// ACCESSION_SERVER supplies the default server address.
func ParseOptions(args []string, stderr io.Writer) (*Options, error) {
	opts := &Options{Metadata: make(map[string]string)}

	fs := flag.NewFlagSet("accession", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: accession [flags] <file|dir>...")
		fs.PrintDefaults()
	}

	server := os.Getenv("ACCESSION_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	fs.StringVar(&opts.Server, "server", server, "accession server base URL")
	fs.StringVar(&opts.Owner, "owner", "", "donor name or email")
	fs.StringVar(&opts.Title, "title", "", "title of the donation")
	fs.StringVar(&opts.Description, "description", "", "free-text description of the donation")
	fs.BoolVar(&opts.Submit, "submit", false, "submit the session for packaging once every file is uploaded")
	fs.DurationVar(&opts.PollInterval, "poll", 2*time.Second, "how often to check packaging progress")
	fs.DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "give up waiting for packaging after this long")
	fs.Func("meta", "extra bag-info field as Key=Value (repeatable)", func(v string) error {
		key, value, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("expected Key=Value, got %q", v)
		}
		opts.Metadata[key] = strings.TrimSpace(value)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.Server = strings.TrimRight(opts.Server, "/")
	if opts.PollInterval <= 0 {
		return nil, &ValidationError{Arg: "-poll", Cause: "must be positive"}
	}

	paths, err := ParseArgs(fs.Args())
	if err != nil {
		return nil, err
	}
	opts.Paths = paths
	return opts, nil
}

// ParseArgs checks that every argument exists. Repeated paths are kept once.
func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath
	seen := make(map[string]bool)

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}
		if seen[p] {
			continue
		}
		seen[p] = true

		kind := PathFile
		if info.IsDir() {
			kind = PathDir
		}

		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}

	return out, nil
}
