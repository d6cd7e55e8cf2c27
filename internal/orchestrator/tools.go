package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"go.uber.org/zap"
)

// checkTools rejects tool configurations a session could not use: command
// overrides, blank names, unknown registry tools and malformed URLs.
func (o *Orchestrator) checkTools(cfgs []research.ToolConfig) error {
	for _, tc := range cfgs {
		name := strings.TrimSpace(tc.Name)
		if strings.TrimSpace(tc.Command) != "" {
			return fmt.Errorf("%w: tool %s: command overrides must be configured on the server", ErrInvalidRequest, name)
		}
		if name == "" {
			return fmt.Errorf("%w: tool name is required", ErrInvalidRequest)
		}
		if tc.URL != "" {
			u, err := url.Parse(tc.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("%w: tool %s: url must be http or https", ErrInvalidRequest, name)
			}
			continue
		}
		if _, ok := o.registry.Get(name); !ok {
			return fmt.Errorf("%w: unknown tool %q", ErrInvalidRequest, name)
		}
	}
	return nil
}

// sessionTools returns the tools a session may use: the registry filtered to
// the names in its tool configuration, plus any tools the configuration
// points at a network URL. No configuration means every registered tool.
func (o *Orchestrator) sessionTools(sess research.Session) tools.Invoker {
	if len(sess.Tools) == 0 {
		return o.registry
	}
	var names []string
	var local *tools.Registry
	for _, tc := range sess.Tools {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			continue
		}
		if tc.URL == "" {
			names = append(names, name)
			continue
		}
		if local == nil {
			local = tools.NewRegistry(tools.WithLogger(o.log))
		}
		err := local.Register(tools.Descriptor{
			Name:        name,
			Description: "session tool " + name,
			Transport:   tools.Network{URL: tc.URL, Headers: tc.Headers},
		})
		if err != nil {
			o.log.Warn("session tool rejected", zap.String("session", sess.ID), zap.String("tool", name), zap.Error(err))
		}
	}
	var base tools.Invoker
	if len(names) > 0 {
		base = o.registry.Filter(names)
	}
	switch {
	case local == nil && base == nil:
		return o.registry
	case local == nil:
		return base
	case base == nil:
		return local
	}
	return union{first: local, second: base}
}

// union prefers first when both define a tool.
type union struct {
	first, second tools.Invoker
}

func (u union) List() []tools.Descriptor {
	out := u.first.List()
	seen := make(map[string]struct{}, len(out))
	for _, d := range out {
		seen[d.Name] = struct{}{}
	}
	for _, d := range u.second.List() {
		if _, dup := seen[d.Name]; !dup {
			out = append(out, d)
		}
	}
	return out
}

func (u union) Invoke(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	for _, d := range u.first.List() {
		if d.Name == name {
			return u.first.Invoke(ctx, name, args)
		}
	}
	return u.second.Invoke(ctx, name, args)
}
