// Package config reads the couchpack configuration file.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Database holds the remote server connection settings from the [database]
// section of the config file.
type Database struct {
	URL      string
	Username string
	Password string
}

// Load parses the ini file at path. url is required; username defaults to
// "root" and password to empty, matching the engine's admin conventions.
func Load(path string) (*Database, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	sec := f.Section("database")
	db := &Database{
		URL:      sec.Key("url").String(),
		Username: sec.Key("username").MustString("root"),
		Password: sec.Key("password").String(),
	}
	if db.URL == "" {
		return nil, fmt.Errorf("config %s: [database] url is required", path)
	}
	return db, nil
}
