// Package storage holds the relay's small on-disk stores: IRC user colors
// as a JSON file, last-seen records in bitcask, mirrored message ids in
// sqlite and the admin audit trail as a text file.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ColorsFile is the default name of the user color file
const ColorsFile = "userColors.json"

// Colors maps usernames to IRC color indices and persists on every change
type Colors struct {
	path string

	mu     sync.RWMutex
	colors map[string]int
}

// LoadColors reads the color file from dataDir. A missing file yields an
// empty store.
func LoadColors(dataDir, name string) (*Colors, error) {
	if name == "" {
		name = ColorsFile
	}
	c := &Colors{
		path:   filepath.Join(dataDir, name),
		colors: make(map[string]int),
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return c, nil
	}
	if err := json.Unmarshal(data, &c.colors); err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.path, err)
	}
	return c, nil
}

// Get returns the color assigned to user
func (c *Colors) Get(user string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	color, ok := c.colors[user]
	return color, ok
}

// Set assigns a color to user and writes the file
func (c *Colors) Set(user string, color int) error {
	c.mu.Lock()
	c.colors[user] = color
	c.mu.Unlock()
	return c.Save()
}

// Usage counts how many users hold each color
func (c *Colors) Usage() map[int]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	usage := make(map[int]int)
	for _, color := range c.colors {
		usage[color]++
	}
	return usage
}

// Users returns every user with an assigned color, sorted
func (c *Colors) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make([]string, 0, len(c.colors))
	for u := range c.colors {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Save writes the color file atomically
func (c *Colors) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c.colors, "", "    ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
