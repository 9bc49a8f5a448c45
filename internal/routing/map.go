package routing

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

// skipPatterns matches lines to ignore when parsing a chat map file
var skipPatterns = regexp.MustCompile(`^\s*;|^\s*//|^===|^---|^\s*$`)

// Map ties relay channel names to the native chat ids of one service, such
// as Telegram group ids or Matrix room ids
type Map struct {
	// Chats maps channel name to its native ids
	Chats map[string][]string
	// Names is the ordered list of channel names
	Names []string

	reverse map[string]string
}

// NewMap creates an empty map
func NewMap() *Map {
	return &Map{
		Chats:   make(map[string][]string),
		Names:   []string{},
		reverse: make(map[string]string),
	}
}

// LoadMap reads a chat map file of "channel: id id ..." lines. A missing
// file yields an empty map.
func LoadMap(path string) (*Map, error) {
	m := NewMap()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.ReplaceAll(scanner.Text(), "\r", "")
		if skipPatterns.MatchString(line) {
			continue
		}

		// Chat ids may contain ':' (Matrix room ids), so split on the first one
		name, ids, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		m.Add(name, strings.Fields(ids)...)
	}

	return m, scanner.Err()
}

// Add maps ids to the channel name. Names are lowercased without '#'.
func (m *Map) Add(name string, ids ...string) {
	name = canonical(name)
	if name == "" {
		return
	}
	if _, ok := m.Chats[name]; !ok {
		m.Names = append(m.Names, name)
		m.Chats[name] = []string{}
	}
	for _, id := range ids {
		if _, dup := m.reverse[id]; dup {
			continue
		}
		m.Chats[name] = append(m.Chats[name], id)
		m.reverse[id] = name
	}
}

// Merge adds every entry of other to m
func (m *Map) Merge(other *Map) {
	if other == nil {
		return
	}
	for _, name := range other.Names {
		m.Add(name, other.Chats[name]...)
	}
}

// IDs returns the native ids of a channel
func (m *Map) IDs(name string) []string {
	return m.Chats[canonical(name)]
}

// ChannelFor returns the channel name a native id belongs to
func (m *Map) ChannelFor(id string) (string, bool) {
	name, ok := m.reverse[id]
	return name, ok
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(name), "#"))
}
