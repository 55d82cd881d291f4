// Package resolver locates a host's event log directory over its
// administrative shares.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrHostUnreachable is returned when no candidate share path exists for a host.
var ErrHostUnreachable = errors.New("resolver: host unreachable")

// DefaultTemplates are the share paths probed, in order. {host} is replaced
// by the host identifier.
var DefaultTemplates = []string{
	`\\{host}\C$\Windows\System32\winevt\Logs`,
	`\\{host}\ADMIN$\System32\winevt\Logs`,
}

// StatFunc reports file info for a path. os.Stat satisfies it.
type StatFunc func(name string) (fs.FileInfo, error)

// Resolver probes candidate paths for a host's log directory.
type Resolver struct {
	templates []string
	stat      StatFunc
}

// New creates a Resolver over templates. Nil templates use DefaultTemplates.
func New(templates []string) *Resolver {
	if len(templates) == 0 {
		templates = DefaultTemplates
	}
	return &Resolver{
		templates: templates,
		stat:      os.Stat,
	}
}

// WithStat replaces the probe function.
func (r *Resolver) WithStat(stat StatFunc) *Resolver {
	r.stat = stat
	return r
}

// Candidates returns the paths that would be probed for host, in order.
func (r *Resolver) Candidates(host string) []string {
	paths := make([]string, len(r.templates))
	for i, tmpl := range r.templates {
		paths[i] = strings.ReplaceAll(tmpl, "{host}", host)
	}
	return paths
}

// Resolve returns the first candidate that exists as a directory.
// Each candidate is probed exactly once; there are no retries. When ctx
// ends mid-probe the host is unreachable and the error wraps ctx.Err().
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	for _, path := range r.Candidates(host) {
		info, err := r.Stat(ctx, path)
		if err == nil && info.IsDir() {
			return path, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: probe of %s abandoned: %w", ErrHostUnreachable, path, ctxErr)
		}
	}
	return "", ErrHostUnreachable
}

// Stat probes path with the configured stat function and gives up when ctx
// ends. An abandoned probe keeps running until the share answers; its
// result is discarded.
func (r *Resolver) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type probe struct {
		info fs.FileInfo
		err  error
	}
	done := make(chan probe, 1)
	go func() {
		info, err := r.stat(path)
		done <- probe{info, err}
	}()

	select {
	case p := <-done:
		return p.info, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
