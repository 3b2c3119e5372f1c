// Package catalog holds the per-session registry of discovered tools,
// prompts, and resources. A catalog is built once from a server's
// discovery responses, is immutable afterward, and answers lookups
// without touching the network. Reconnects build a fresh catalog.
package catalog

import (
	"fmt"
	"sort"

	"github.com/forgeline/toolhost/internal/protocol"
)

// Kind is the component kind of a catalog entry.
type Kind string

// Catalog entry kinds.
const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// Entry is one discovered component, addressed by its qualified name.
type Entry struct {
	// QualifiedName is Server + "-" + LocalName, globally unique
	// across all registered servers.
	QualifiedName string

	// LocalName is the name the server knows the component by.
	LocalName string

	// Server is the owning server name.
	Server string

	Kind        Kind
	Description string

	// InputSchema is the JSON schema for tool arguments; nil for
	// prompts and resources.
	InputSchema map[string]any

	// URI is set for resources only.
	URI string
}

// Discovery is the combined result of a server's list responses, as
// gathered by the session after the handshake.
type Discovery struct {
	Tools     []protocol.ToolDefinition
	Prompts   []protocol.PromptDefinition
	Resources []protocol.ResourceDefinition
}

// Catalog is the filtered, immutable entry set for one session.
type Catalog struct {
	server  string
	entries []Entry
	byName  map[string]int
}

// QualifiedName builds the globally unique name for a component.
func QualifiedName(server, localName string) string {
	return fmt.Sprintf("%s-%s", server, localName)
}

// Build produces a catalog from a discovery response, hiding any local
// names in exclude. It is a pure function: the same inputs always yield
// the same catalog, whether at first discovery or on reconnect.
func Build(server string, disc Discovery, exclude []string) *Catalog {
	excluded := toSet(exclude)

	var entries []Entry
	for _, td := range disc.Tools {
		if excluded[td.Name] {
			continue
		}
		entries = append(entries, Entry{
			QualifiedName: QualifiedName(server, td.Name),
			LocalName:     td.Name,
			Server:        server,
			Kind:          KindTool,
			Description:   td.Description,
			InputSchema:   td.InputSchema,
		})
	}
	for _, pd := range disc.Prompts {
		if excluded[pd.Name] {
			continue
		}
		entries = append(entries, Entry{
			QualifiedName: QualifiedName(server, pd.Name),
			LocalName:     pd.Name,
			Server:        server,
			Kind:          KindPrompt,
			Description:   pd.Description,
		})
	}
	for _, rd := range disc.Resources {
		if excluded[rd.Name] {
			continue
		}
		entries = append(entries, Entry{
			QualifiedName: QualifiedName(server, rd.Name),
			LocalName:     rd.Name,
			Server:        server,
			Kind:          KindResource,
			Description:   rd.Description,
			URI:           rd.URI,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QualifiedName < entries[j].QualifiedName
	})

	byName := make(map[string]int, len(entries))
	for i, e := range entries {
		byName[e.QualifiedName] = i
	}

	return &Catalog{server: server, entries: entries, byName: byName}
}

// Server returns the owning server name.
func (c *Catalog) Server() string { return c.server }

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Entries returns all entries, sorted by qualified name. The returned
// slice is a copy; callers may filter it freely.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Resolve looks up an entry by qualified name.
func (c *Catalog) Resolve(qualifiedName string) (Entry, bool) {
	i, ok := c.byName[qualifiedName]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
