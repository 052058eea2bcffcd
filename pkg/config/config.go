// Package config reads the controller's INI-style configuration file
// (oven.cfg): bracketed sections, key: value or key = value options,
// # comments. Typed getters validate ranges at load time so a bad
// config fails at startup instead of mid-run.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"

	"ovenctl/pkg/oerr"
)

// Config holds the parsed file.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
}

// Section is one bracketed block of options.
type Section struct {
	name    string
	options map[string]string
}

// New creates an empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load parses the file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, oerr.E(oerr.NotFound, "config.Load", "%s not found", path)
		}
		return nil, oerr.Wrap(err, oerr.IOFailure, "config.Load", "open %s", path)
	}
	defer f.Close()
	return Parse(f.Name(), bufio.NewScanner(f))
}

// Parse reads config lines from a scanner. name is used in errors.
func Parse(name string, scanner *bufio.Scanner) (*Config, error) {
	c := New()
	var current *Section
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return nil, oerr.E(oerr.InvalidArgument, "config.Parse", "%s:%d: empty section header", name, lineNum)
			}
			current = c.ensureSection(header)
			continue
		}

		sep := strings.IndexAny(line, ":=")
		if sep < 0 {
			return nil, oerr.E(oerr.InvalidArgument, "config.Parse", "%s:%d: expected 'key: value'", name, lineNum)
		}
		if current == nil {
			return nil, oerr.E(oerr.InvalidArgument, "config.Parse", "%s:%d: option before any section", name, lineNum)
		}
		key := strings.ToLower(strings.TrimSpace(line[:sep]))
		val := strings.TrimSpace(line[sep+1:])
		if key == "" {
			return nil, oerr.E(oerr.InvalidArgument, "config.Parse", "%s:%d: empty option name", name, lineNum)
		}
		current.options[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, oerr.Wrap(err, oerr.IOFailure, "config.Parse", "read %s", name)
	}
	return c, nil
}

func (c *Config) ensureSection(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	if s, ok := c.sections[key]; ok {
		return s
	}
	s := &Section{name: key, options: make(map[string]string)}
	c.sections[key] = s
	c.order = append(c.order, key)
	return s
}

// HasSection reports whether a section is present.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[strings.ToLower(name)]
	return ok
}

// Section returns the named section. A missing section is returned
// empty, so getters fall through to their defaults.
func (c *Config) Section(name string) *Section {
	c.mu.RLock()
	s, ok := c.sections[strings.ToLower(name)]
	c.mu.RUnlock()
	if ok {
		return s
	}
	return &Section{name: strings.ToLower(name), options: map[string]string{}}
}

// Name returns the section header.
func (s *Section) Name() string { return s.name }

// Has reports whether an option is set.
func (s *Section) Has(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Get returns a string option, or fallback when unset.
func (s *Section) Get(option, fallback string) string {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		return v
	}
	return fallback
}

// GetInt returns an integer option bounded by [min, max].
func (s *Section) GetInt(option string, fallback, min, max int) (int, error) {
	raw, ok := s.options[strings.ToLower(option)]
	if !ok {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, oerr.E(oerr.InvalidArgument, "config.GetInt", "[%s] %s: %q is not an integer", s.name, option, raw)
	}
	if v < min || v > max {
		return 0, oerr.E(oerr.InvalidArgument, "config.GetInt", "[%s] %s: %d outside [%d, %d]", s.name, option, v, min, max)
	}
	return v, nil
}

// GetFloat returns a float option bounded by [min, max].
func (s *Section) GetFloat(option string, fallback, min, max float64) (float64, error) {
	raw, ok := s.options[strings.ToLower(option)]
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, oerr.E(oerr.InvalidArgument, "config.GetFloat", "[%s] %s: %q is not a number", s.name, option, raw)
	}
	if v < min || v > max {
		return 0, oerr.E(oerr.InvalidArgument, "config.GetFloat", "[%s] %s: %g outside [%g, %g]", s.name, option, v, min, max)
	}
	return v, nil
}

// GetBool returns a boolean option ("true"/"false", "1"/"0", "on"/"off").
func (s *Section) GetBool(option string, fallback bool) (bool, error) {
	raw, ok := s.options[strings.ToLower(option)]
	if !ok {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case "true", "1", "on", "yes":
		return true, nil
	case "false", "0", "off", "no":
		return false, nil
	}
	return false, oerr.E(oerr.InvalidArgument, "config.GetBool", "[%s] %s: %q is not a boolean", s.name, option, raw)
}
