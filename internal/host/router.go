package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/forgeline/toolhost/internal/catalog"
	"github.com/forgeline/toolhost/internal/session"
)

// AccessPolicy is the caller-specific visibility rule, layered on top
// of server-level exclusions. The effective visible set is the union of
// the allowed servers' catalogs minus both exclude lists.
type AccessPolicy struct {
	// AllowedServers are the server names the caller may reach.
	AllowedServers []string

	// ExcludeNames hides components from this caller. Entries match
	// either the qualified or the local component name.
	ExcludeNames []string
}

// Result is the outcome of one successful call.
type Result struct {
	Value  string
	Server string
}

// RouteErrorKind classifies routing failures.
type RouteErrorKind string

// Route error kinds. KindCall wraps a session-level CallError.
const (
	KindNotVisible     RouteErrorKind = "not_visible"
	KindServerNotReady RouteErrorKind = "server_not_ready"
	KindCall           RouteErrorKind = "call"
)

// RouteError reports why a call could not be completed.
type RouteError struct {
	Kind RouteErrorKind
	Name string
	Err  error
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("route %s: %s: %v", e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("route %s: %s", e.Name, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *RouteError) Unwrap() error { return e.Err }

// RouteKindOf returns the kind of err, or "" if err is not a route error.
func RouteKindOf(err error) RouteErrorKind {
	var re *RouteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// ListVisible returns every catalog entry the policy allows, across all
// ready sessions in the policy's allowed servers, sorted by qualified
// name. Failed servers contribute nothing: they stay in ListActive for
// operators but are never routing targets.
func (h *Host) ListVisible(policy AccessPolicy) []catalog.Entry {
	excluded := make(map[string]bool, len(policy.ExcludeNames))
	for _, n := range policy.ExcludeNames {
		excluded[n] = true
	}

	var out []catalog.Entry
	for _, name := range policy.AllowedServers {
		s, ok := h.lookup(name)
		if !ok || s.State() != session.StateReady {
			continue
		}
		cat := s.Catalog()
		if cat == nil {
			continue
		}
		for _, e := range cat.Entries() {
			if excluded[e.QualifiedName] || excluded[e.LocalName] {
				continue
			}
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName < out[j].QualifiedName
	})
	return out
}

// Call resolves a qualified name under the policy, dispatches to the
// owning session, and returns the normalized result. The per-call bound
// is timeout, or the owning server's configured call timeout if zero.
func (h *Host) Call(ctx context.Context, qualifiedName string, args map[string]any, policy AccessPolicy, timeout time.Duration) (*Result, error) {
	s, entry, err := h.resolve(qualifiedName, policy)
	if err != nil {
		return nil, err
	}

	var value string
	switch entry.Kind {
	case catalog.KindTool:
		value, err = s.CallTool(ctx, entry.LocalName, args, timeout)
	case catalog.KindPrompt:
		value, err = s.GetPrompt(ctx, entry.LocalName, stringifyArgs(args), timeout)
	case catalog.KindResource:
		value, err = s.ReadResource(ctx, entry.URI, timeout)
	default:
		return nil, &RouteError{Kind: KindNotVisible, Name: qualifiedName,
			Err: fmt.Errorf("unknown entry kind %q", entry.Kind)}
	}

	if err != nil {
		h.record(entry.Server, "call_failed", fmt.Sprintf("%s: %v", qualifiedName, err))
		return nil, &RouteError{Kind: KindCall, Name: qualifiedName, Err: err}
	}

	h.record(entry.Server, "call", qualifiedName)
	return &Result{Value: value, Server: entry.Server}, nil
}

// resolve finds the owning session and catalog entry for a qualified
// name under a policy. Names on servers outside the policy, excluded
// names, and unknown names are NotVisible; a known name whose session
// is not Ready is ServerNotReady.
func (h *Host) resolve(qualifiedName string, policy AccessPolicy) (*session.Session, catalog.Entry, error) {
	excluded := make(map[string]bool, len(policy.ExcludeNames))
	for _, n := range policy.ExcludeNames {
		excluded[n] = true
	}

	for _, name := range policy.AllowedServers {
		s, ok := h.lookup(name)
		if !ok {
			continue
		}
		cat := s.Catalog()
		if cat == nil {
			continue
		}
		entry, ok := cat.Resolve(qualifiedName)
		if !ok {
			continue
		}
		if excluded[entry.QualifiedName] || excluded[entry.LocalName] {
			break
		}
		if s.State() != session.StateReady {
			return nil, catalog.Entry{}, &RouteError{
				Kind: KindServerNotReady,
				Name: qualifiedName,
				Err:  fmt.Errorf("server %s is %s", name, s.State()),
			}
		}
		return s, entry, nil
	}

	return nil, catalog.Entry{}, &RouteError{Kind: KindNotVisible, Name: qualifiedName}
}

// ServerStatus is the observable state of one server, for StatusOf.
type ServerStatus struct {
	Server          string
	State           session.State
	Entries         int
	ProtocolVersion string
	ServerName      string
	ServerVersion   string
	LastError       string
}

// StatusOf reports the current session state and entry counts for a
// server. Returns ErrNotFound if the server has no session.
func (h *Host) StatusOf(name string) (ServerStatus, error) {
	s, ok := h.lookup(name)
	if !ok {
		return ServerStatus{}, ErrNotFound
	}

	st := ServerStatus{
		Server:          name,
		State:           s.State(),
		ProtocolVersion: s.ProtocolVersion(),
		ServerName:      s.ServerInfo().Name,
		ServerVersion:   s.ServerInfo().Version,
	}
	if cat := s.Catalog(); cat != nil {
		st.Entries = cat.Len()
	}
	if err := s.Err(); err != nil {
		st.LastError = err.Error()
	}
	return st, nil
}

// stringifyArgs renders call arguments as strings, the form prompt
// arguments take on the wire.
func stringifyArgs(args map[string]any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = fmt.Sprint(v)
	}
	return out
}
