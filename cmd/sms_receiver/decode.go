package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"sms_receiver/internal/telegram"
)

// DecodeOut is one decoded line of the decode command.
type DecodeOut struct {
	Line   int                       `json:"line"`
	Body   string                    `json:"body"`
	Record *telegram.TelemetryRecord `json:"record,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// bodyDecoder is satisfied by *decoder.Decoder.
type bodyDecoder interface {
	Decode(body string) (*telegram.TelemetryRecord, error)
}

func runDecode(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	inPath := fs.String("input", "", "Input file with one telegram body per line (default: stdin)")
	pretty := fs.Bool("pretty", false, "Pretty-print JSON output")
	format := fs.String("format", "json", "Output format: json, geojson (fixes only) or kml (fixes only)")

	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	dec, err := newDecoder(cfg)
	if err != nil {
		return err
	}

	r := stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	out, err := decodeLines(r, dec)
	if err != nil {
		return err
	}

	b, err := encodeDecoded(out, *format, *pretty)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(b))
	return err
}

// decodeLines decodes every non-blank line of r. Undecodable lines are
// reported with their error rather than aborting the run.
func decodeLines(r io.Reader, dec bodyDecoder) ([]DecodeOut, error) {
	scanner := bufio.NewScanner(r)
	out := make([]DecodeOut, 0, 64)

	n := 0
	for scanner.Scan() {
		n++
		body := strings.TrimSpace(scanner.Text())
		if body == "" {
			continue
		}

		o := DecodeOut{Line: n, Body: body}
		rec, err := dec.Decode(body)
		if err != nil {
			o.Error = err.Error()
		} else {
			o.Record = rec
		}
		out = append(out, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return out, nil
}

func marshalJSON(v any, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}
