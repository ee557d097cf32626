package server

import (
	"context"
	"fmt"

	studiocache "github.com/abedhatabh-bit/studio-cache"
	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

// install opens the active namespaces and prefetches the configured
// shell URLs so the application shell is servable offline from first
// start. Individual prefetch failures are logged and skipped.
func (s *Server) install(ctx context.Context) error {
	for _, c := range studiocache.Categories {
		if err := s.store.Open(ctx, s.namespaceFor(c)); err != nil {
			return fmt.Errorf("opening namespace %s: %w", s.namespaceFor(c), err)
		}
	}

	shell := s.namespaceFor(studiocache.CategoryShell)
	var failed int
	for _, url := range s.config.ShellURLs {
		if err := s.engine.Prefetch(ctx, shell, url); err != nil {
			s.logger.Warn("shell prefetch failed", "url", url, "error", err)
			failed++
		}
	}

	s.logger.Info("installed shell",
		"namespace", shell,
		"prefetched", len(s.config.ShellURLs)-failed,
		"failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d shell prefetches failed", failed, len(s.config.ShellURLs))
	}
	return nil
}

// activate deletes every namespace superseded by the current cache
// version.
func (s *Server) activate(ctx context.Context) error {
	keep := make([]studiocache.Namespace, 0, len(studiocache.Categories))
	for _, c := range studiocache.Categories {
		keep = append(keep, s.namespaceFor(c))
	}

	deleted, err := s.store.Sweep(ctx, keep)
	if err != nil {
		return err
	}
	if len(deleted) > 0 {
		s.logger.Info("swept superseded namespaces", "deleted", deleted)
	}
	telemetry.RecordSweep(ctx, len(deleted))
	return nil
}
