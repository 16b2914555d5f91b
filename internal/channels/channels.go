// Package channels loads the channel file: the list of media sources the
// relay publishes at startup and keeps published while it runs.
//
// Two formats are accepted. Plain files hold one channel per line,
//
//	name,source_ip,source_port[,bitrate[,playback_url]]
//
// with blank lines and lines starting with '#' ignored. Files ending in .yaml
// or .yml hold a list of mappings with the same field names.
package channels

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/tokens"
)

type Channel struct {
	Name        string `yaml:"name" json:"name"`
	SourceIP    string `yaml:"source_ip" json:"source_ip"`
	SourcePort  string `yaml:"source_port" json:"source_port"`
	Bitrate     string `yaml:"bitrate,omitempty" json:"bitrate,omitempty"`
	PlaybackURL string `yaml:"playback_url,omitempty" json:"playback_url,omitempty"`
}

// ParseError reports a skipped row of a channel file.
type ParseError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
}

// Load reads the channel file at path. Rows that cannot be parsed are skipped
// and reported in rowErrs; err is set only when the file itself is unusable.
func Load(path string) (chans []Channel, rowErrs []error, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read channel file %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(path, data)
	default:
		chans, rowErrs = parseRows(path, data)
		return chans, rowErrs, nil
	}
}

func parseRows(path string, data []byte) ([]Channel, []error) {
	var (
		out  []Channel
		errs []error
		seen = make(map[string]bool)
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		row := strings.TrimSpace(sc.Text())
		if row == "" || strings.HasPrefix(row, "#") {
			continue
		}
		toks := tokens.Split(row, ',')
		if toks.Len() < 3 || toks.Len() > 5 {
			errs = append(errs, &ParseError{Path: path, Line: line, Reason: fmt.Sprintf("expected 3 to 5 fields, got %d", toks.Len())})
			continue
		}
		for i := range toks {
			toks[i] = strings.TrimSpace(toks[i])
		}
		ch := Channel{Name: toks[0], SourceIP: toks[1], SourcePort: toks[2]}
		if toks.Len() > 3 {
			ch.Bitrate = toks[3]
		}
		if toks.Len() > 4 {
			ch.PlaybackURL = toks[4]
		}
		if err := check(path, line, ch, seen); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ch)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, &ParseError{Path: path, Line: line + 1, Reason: err.Error()})
	}
	return out, errs
}

func parseYAML(path string, data []byte) ([]Channel, []error, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, fmt.Errorf("parse channel file %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return nil, nil, nil
	}
	list := root.Content[0]
	if list.Kind != yaml.SequenceNode {
		return nil, nil, fmt.Errorf("parse channel file %s: top level must be a list", path)
	}

	var (
		out  []Channel
		errs []error
		seen = make(map[string]bool)
	)
	for _, n := range list.Content {
		var ch Channel
		if err := n.Decode(&ch); err != nil {
			errs = append(errs, &ParseError{Path: path, Line: n.Line, Reason: err.Error()})
			continue
		}
		if err := check(path, n.Line, ch, seen); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ch)
	}
	return out, errs, nil
}

func check(path string, line int, ch Channel, seen map[string]bool) error {
	switch {
	case ch.Name == "":
		return &ParseError{Path: path, Line: line, Reason: "missing name"}
	case ch.SourceIP == "":
		return &ParseError{Path: path, Line: line, Reason: "missing source_ip"}
	case ch.SourcePort == "":
		return &ParseError{Path: path, Line: line, Reason: "missing source_port"}
	case seen[ch.Name]:
		return &ParseError{Path: path, Line: line, Reason: fmt.Sprintf("duplicate channel %q", ch.Name)}
	}
	seen[ch.Name] = true
	return nil
}
