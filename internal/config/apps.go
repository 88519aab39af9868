package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// App describes one entry in the launchable application catalog.
type App struct {
	Title        string `json:"title"`
	ID           int    `json:"id"`
	ImagePath    string `json:"image_path,omitempty"`
	HDRSupported bool   `json:"hdr_supported"`
	Command      string `json:"command"`
}

// ServerCommand is one entry in the operator-defined command list exposed
// on HTTPS serverinfo when a uniqueid is present (an authenticated client).
type ServerCommand struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

type catalogFile struct {
	Apps     []App           `json:"apps"`
	Commands []ServerCommand `json:"commands,omitempty"`
}

// LoadApps reads the app/server-command catalog from a JSON file. A missing
// file is not an error: it yields an empty catalog, matching a host that
// has not yet been configured with any launchable titles.
func LoadApps(path string) ([]App, []ServerCommand, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("config: reading app catalog %q: %w", path, err)
	}

	var cf catalogFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, nil, fmt.Errorf("config: parsing app catalog %q: %w", path, err)
	}
	return cf.Apps, cf.Commands, nil
}
