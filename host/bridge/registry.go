package bridge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler decodes its arguments from data and executes one command
type Handler func(data *[]byte) error

// Command is one entry of the agent command table
type Command struct {
	ID      uint16
	Name    string
	Format  string // Argument list, e.g. "addr=%u value=%u"
	Handler Handler
}

// Signature is the name and argument list as published in the dictionary
func (c *Command) Signature() string {
	if c.Format == "" {
		return c.Name
	}
	return c.Name + " " + c.Format
}

// Registry maps wire ids to command handlers
type Registry struct {
	mu       sync.RWMutex
	commands map[uint16]*Command
	config   map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[uint16]*Command),
		config:   make(map[string]string),
	}
}

// Register adds a command under a fixed wire id
func (r *Registry) Register(id uint16, name, format string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.commands[id]; ok {
		return fmt.Errorf("command id %d already used by %s", id, prev.Name)
	}
	r.commands[id] = &Command{ID: id, Name: name, Format: format, Handler: handler}
	return nil
}

// SetConfig publishes a static agent property in the dictionary
func (r *Registry) SetConfig(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config[key] = value
}

// Lookup returns the command registered under id
func (r *Registry) Lookup(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Count returns the number of registered commands
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch runs the handler registered under cmdID
func (r *Registry) Dispatch(cmdID uint16, data *[]byte) error {
	cmd, ok := r.Lookup(cmdID)
	if !ok {
		return fmt.Errorf("unknown command id %d", cmdID)
	}
	return cmd.Handler(data)
}

// Dictionary describes the agent: protocol version, command table and
// static configuration
type Dictionary struct {
	Version  string            `json:"version"`
	Commands map[string]int    `json:"commands"`
	Config   map[string]string `json:"config,omitempty"`
}

// Dictionary builds the dictionary for version
func (r *Registry) Dictionary(version string) Dictionary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := Dictionary{
		Version:  version,
		Commands: make(map[string]int, len(r.commands)),
		Config:   make(map[string]string, len(r.config)),
	}
	for _, cmd := range r.commands {
		d.Commands[cmd.Signature()] = int(cmd.ID)
	}
	for k, v := range r.config {
		d.Config[k] = v
	}
	return d
}

// CommandID returns the id of the command called name, ignoring arguments
func (d Dictionary) CommandID(name string) (uint16, bool) {
	for sig, id := range d.Commands {
		if sig == name || strings.HasPrefix(sig, name+" ") {
			return uint16(id), true
		}
	}
	return 0, false
}

// Names returns the command signatures sorted by id
func (d Dictionary) Names() []string {
	names := make([]string, 0, len(d.Commands))
	for sig := range d.Commands {
		names = append(names, sig)
	}
	sort.Slice(names, func(i, j int) bool { return d.Commands[names[i]] < d.Commands[names[j]] })
	return names
}

func (d Dictionary) marshal() ([]byte, error) {
	return json.Marshal(d)
}

func parseDictionary(data []byte) (Dictionary, error) {
	var d Dictionary
	if err := json.Unmarshal(data, &d); err != nil {
		return Dictionary{}, fmt.Errorf("parse dictionary: %w", err)
	}
	return d, nil
}
