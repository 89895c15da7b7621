package backtrace

import (
	_ "embed"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed libraries.yaml
var librariesYAML []byte

var rules = mustLoadRules(librariesYAML)

type libraryRules struct {
	PathPrefixes []string `yaml:"path_prefixes"`
	Files        []string `yaml:"files"`
	Functions    []string `yaml:"functions"`

	files     map[string]bool
	functions map[string]bool
}

func loadRules(data []byte) (*libraryRules, error) {
	var r libraryRules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse library rules: %w", err)
	}
	r.files = make(map[string]bool, len(r.Files))
	for _, f := range r.Files {
		r.files[f] = true
	}
	r.functions = make(map[string]bool, len(r.Functions))
	for _, f := range r.Functions {
		r.functions[f] = true
	}
	return &r, nil
}

func mustLoadRules(data []byte) *libraryRules {
	r, err := loadRules(data)
	if err != nil {
		panic(fmt.Sprintf("load libraries.yaml: %v", err))
	}
	return r
}

func (r *libraryRules) matches(f Frame) bool {
	if r.functions[f.Function] {
		return true
	}
	for _, loc := range []string{f.File, f.Module} {
		if loc == "" {
			continue
		}
		if r.files[path.Base(loc)] {
			return true
		}
		for _, p := range r.PathPrefixes {
			if strings.HasPrefix(loc, p) {
				return true
			}
		}
	}
	return false
}
