package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/directim/relay/server/store/types"
)

func TestDecide(t *testing.T) {
	notInit := fmt.Errorf("mongodb: %w", types.ErrDbNotInitialized)
	badVersion := fmt.Errorf("%w: got 99, expected 100", types.ErrDbVersion)
	failure := errors.New("connection refused")

	cases := []struct {
		name    string
		openErr error
		reset   bool
		noInit  bool
		want    action
		wantErr bool
	}{
		{"exists", nil, false, false, actionNone, false},
		{"exists reset", nil, true, false, actionReset, false},
		{"missing", notInit, false, false, actionCreate, false},
		{"missing reset", notInit, true, false, actionCreate, false},
		{"missing no init", notInit, false, true, actionNone, true},
		{"old version", badVersion, false, false, actionNone, true},
		{"old version reset", badVersion, true, false, actionReset, false},
		{"failure", failure, true, false, actionNone, true},
	}

	for _, tc := range cases {
		got, err := decide(tc.openErr, tc.reset, tc.noInit)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: expected action %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.conf")
	conf := `{
	// Comments are allowed.
	"listen": ":6060",
	"store_config": {"use_adapter": "mongodb"}
}`
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		t.Fatal(err)
	}

	config, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(config.StoreConfig) != `{"use_adapter": "mongodb"}` {
		t.Errorf("Unexpected store config '%s'", config.StoreConfig)
	}

	if err := os.WriteFile(path, []byte(`{"store_config": `), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("Truncated config must fail")
	}
}
