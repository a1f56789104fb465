package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/gcfg.v1"
)

// LoadFile reads the file at path into c and validates the result. A leading
// "~" in path is expanded.
//
// c should hold defaults already.
func LoadFile(c *Config, path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("config: expanding %q: %w", path, err)
	}
	if err := gcfg.ReadFileInto(c, expanded); err != nil {
		return fmt.Errorf("config: failed to read configuration file %q: %w", expanded, filterGcfgError(err))
	}
	return Validate(c)
}

// LoadString is LoadFile for configuration text already in memory.
func LoadString(c *Config, text string) error {
	if err := gcfg.ReadStringInto(c, text); err != nil {
		return fmt.Errorf("config: %w", filterGcfgError(err))
	}
	return Validate(c)
}

// filterGcfgError makes gcfg's message for unknown sections or variables
// easier to read.
func filterGcfgError(err error) error {
	const phrase = "can't store data at"
	if err != nil && strings.Contains(err.Error(), phrase) {
		return errors.New(strings.Replace(err.Error(), phrase, "unsupported or misspelled", 1))
	}
	return err
}
