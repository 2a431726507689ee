// Package blocklist reads third-party IP blocklists into filter rules.
//
// Supported line formats, detected per line:
//
//	000.000.000.000 - 000.255.255.255 , 000 , Description   (eMule ipfilter.dat)
//	Description:1.2.3.4-1.2.3.5                             (PeerGuardian P2P)
//	Description:2001:db8::1-2001:db8::ff                     (P2P, IPv6)
//	1.2.3.4-1.2.3.5, 1.2.3.4 or 1.2.3.0/24                  (plain)
//
// Lines starting with # or // and blank lines are skipped.
package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
)

// maxBlockedLevel is the highest eMule access level that still blocks.
const maxBlockedLevel = 127

const maxLineLength = 64 * 1024

// Parse reads a blocklist. Any malformed line fails the whole parse.
func Parse(r io.Reader) ([]ipfilter.Range, error) {
	var rules []ipfilter.Range

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		rule, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading blocklist: %w", err)
	}
	return rules, nil
}

func parseLine(line string) (ipfilter.Range, error) {
	var (
		rule ipfilter.Range
		err  error
	)
	if strings.Contains(line, ",") {
		rule, err = parseDAT(line)
	} else {
		rule, err = parseRange(line, ipfilter.Blocked)
	}
	if err == nil {
		return rule, nil
	}

	// P2P: both the description and an IPv6 range contain colons, so the
	// separator is the first colon followed by a valid range
	for i := strings.Index(line, ":"); i >= 0; {
		if p2p, p2pErr := parseRange(line[i+1:], ipfilter.Blocked); p2pErr == nil {
			return p2p, nil
		}
		next := strings.Index(line[i+1:], ":")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return ipfilter.Range{}, err
}

func parseDAT(line string) (ipfilter.Range, error) {
	fields := strings.SplitN(line, ",", 3)
	if len(fields) < 2 {
		return ipfilter.Range{}, fmt.Errorf("missing access level in %q", line)
	}

	level, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return ipfilter.Range{}, fmt.Errorf("invalid access level %q", strings.TrimSpace(fields[1]))
	}
	access := ipfilter.Blocked
	if level > maxBlockedLevel {
		access = ipfilter.Allowed
	}
	return parseRange(fields[0], access)
}

// parseRange is ipfilter.ParseRange with zero-padded IPv4 octets accepted.
func parseRange(s string, access ipfilter.Access) (ipfilter.Range, error) {
	s = strings.TrimSpace(s)
	if prefix, bits, ok := strings.Cut(s, "/"); ok {
		return ipfilter.ParseRange(unpad(prefix)+"/"+bits, access)
	}
	if first, last, ok := strings.Cut(s, "-"); ok {
		return ipfilter.ParseRange(unpad(first)+"-"+unpad(last), access)
	}
	return ipfilter.ParseRange(unpad(s), access)
}

// unpad strips leading zeros from dotted-quad octets ("010.000.000.001"
// becomes "10.0.0.1"). Anything else is returned trimmed.
func unpad(s string) string {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return s
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return s
		}
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ".")
}

// LoadFile parses the blocklist at path and adds its rules to f in file
// order as a single batch. Nothing is added when the file fails to parse.
// It returns the number of rules read.
func LoadFile(path string, f *ipfilter.Filter) (int, error) {
	rules, err := ReadFile(path)
	if err != nil {
		return 0, err
	}
	if err := f.AddRanges(rules); err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return len(rules), nil
}

// ReadFile parses the blocklist at path. Files ending in .gz or .zst are
// decompressed.
func ReadFile(path string) ([]ipfilter.Range, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer func() { _ = file.Close() }()

	var r io.Reader = file
	switch filepath.Ext(path) {
	case ".gz":
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("open gzip blocklist %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case ".zst":
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("open zstd blocklist %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	rules, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}
