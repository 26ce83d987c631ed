package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const githubRecord = `
name: github
title: GitHub
description: GitHub repository and issue management
tools:
  - list-issues
  - create-issue
secrets:
  - github.token
config:
  - type: object
    required:
      - api_version
    properties:
      api_version:
        type: string
        description: GitHub API version to target
`

const weatherRecord = `
name: weather
title: Weather
tools:
  - get-forecast
`

func TestLoadRecords(t *testing.T) {
	r, err := LoadRecords([]byte(githubRecord), []byte(weatherRecord))
	if err != nil {
		t.Fatalf("LoadRecords() error = %v", err)
	}

	if !r.Has("github") || !r.Has("weather") {
		t.Fatalf("expected both servers present, names = %v", r.Names())
	}

	tools := r.Tools("github")
	if len(tools) != 2 || tools[0] != "list-issues" {
		t.Errorf("Tools(github) = %v, want [list-issues create-issue]", tools)
	}

	secrets := r.Secrets("github")
	if len(secrets) != 1 || secrets[0] != "github.token" {
		t.Errorf("Secrets(github) = %v, want [github.token]", secrets)
	}

	schemas := r.ConfigSchemas("github")
	if len(schemas) != 1 {
		t.Fatalf("ConfigSchemas(github) = %d schemas, want 1", len(schemas))
	}
	if len(schemas[0].Required) != 1 || schemas[0].Required[0] != "api_version" {
		t.Errorf("schema required = %v, want [api_version]", schemas[0].Required)
	}
	prop, ok := schemas[0].Properties["api_version"]
	if !ok {
		t.Fatal("schema missing api_version property")
	}
	if prop.Type != "string" || prop.Description == "" {
		t.Errorf("property = {type:%q, description:%q}, want typed and described", prop.Type, prop.Description)
	}
}

func TestLoadRecords_Defaults(t *testing.T) {
	r, err := LoadRecords([]byte(weatherRecord))
	if err != nil {
		t.Fatalf("LoadRecords() error = %v", err)
	}

	if got := r.Description("weather"); got != "No description" {
		t.Errorf("Description(weather) = %q, want fallback", got)
	}
	if got := r.Secrets("weather"); len(got) != 0 {
		t.Errorf("Secrets(weather) = %v, want empty", got)
	}
}

func TestRegistry_UnknownServer(t *testing.T) {
	r, err := LoadRecords([]byte(weatherRecord))
	if err != nil {
		t.Fatalf("LoadRecords() error = %v", err)
	}

	// Unknown servers never raise: every lookup defaults to empty.
	if r.Has("nope") {
		t.Error("Has(nope) = true, want false")
	}
	if got := r.Tools("nope"); len(got) != 0 {
		t.Errorf("Tools(nope) = %v, want empty", got)
	}
	if got := r.Secrets("nope"); len(got) != 0 {
		t.Errorf("Secrets(nope) = %v, want empty", got)
	}
	if got := r.ConfigSchemas("nope"); len(got) != 0 {
		t.Errorf("ConfigSchemas(nope) = %v, want empty", got)
	}
	if got := r.Description("nope"); got != "" {
		t.Errorf("Description(nope) = %q, want empty", got)
	}
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "github.yaml", githubRecord)
	writeRecord(t, dir, "weather.yml", weatherRecord)
	writeRecord(t, dir, "README.md", "not a record")

	r, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "github" || names[1] != "weather" {
		t.Errorf("Names() = %v, want [github weather]", names)
	}
}

func TestLoad_MissingName(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "bad.yaml", "title: Nameless")

	if _, err := Load(dir); err == nil {
		t.Fatal("Load() with nameless record should fail")
	}
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	r, err := LoadRecords([]byte(githubRecord), []byte(weatherRecord))
	if err != nil {
		t.Fatalf("LoadRecords() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = r.Tools("github")
				_ = r.Secrets("github")
				_ = r.ConfigSchemas("github")
				_ = r.Description("weather")
				_ = r.Names()
			}
		}()
	}
	wg.Wait()
}

func writeRecord(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}
