// Package dispatch selects the C6 execution backend: Kubernetes in
// production, with an optional Docker dev-mode fallback gated by
// config.AllowSandboxFallback. New is the sole construction point so the
// evalworker never has to know which backend is live.
package dispatch

import (
	"fmt"

	"github.com/evalplane/evalplane/internal/adapter/dispatcher/docker"
	"github.com/evalplane/evalplane/internal/adapter/dispatcher/k8s"
	"github.com/evalplane/evalplane/internal/config"
	"github.com/evalplane/evalplane/internal/domain"
)

// New builds the configured domain.Dispatcher. Production mode never
// permits the Docker fallback, even if AllowSandboxFallback is set,
// matching the teacher's own env-gated mode assertions (IsDev/IsProd/IsTest).
func New(cfg config.Config) (domain.Dispatcher, error) {
	if cfg.AllowSandboxFallback {
		if cfg.IsProd() {
			return nil, fmt.Errorf("op=service.dispatch.new: sandbox fallback is not permitted in production")
		}
		d, err := docker.New(cfg.ImageRepoPrefix)
		if err != nil {
			return nil, fmt.Errorf("op=service.dispatch.new: %w", err)
		}
		return d, nil
	}

	d, err := k8s.New(cfg.ClusterKubeconfig, cfg.ClusterNamespace, cfg.RuntimeClassName, cfg.ImageRepoPrefix, cfg.JobTTLSecondsAfter)
	if err != nil {
		return nil, fmt.Errorf("op=service.dispatch.new: %w", err)
	}
	return d, nil
}
