package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/agentgate-io/agentgate/internal/domain/policy"
	"github.com/agentgate-io/agentgate/internal/domain/ratelimit"
)

// PolicyLoader reads the signed policy package from disk and pushes verified
// bundles into the local evaluator and the rate limiter. Verification
// failures load the empty bundle, never an error the caller could misread as
// an allow.
type PolicyLoader struct {
	mu            sync.Mutex
	path          string
	secret        []byte
	requireSigned bool
	evaluator     *policy.LocalEvaluator
	limiter       *ratelimit.Limiter
	version       string
	logger        *slog.Logger
}

// NewPolicyLoader wires the loader. limiter may be nil.
func NewPolicyLoader(path string, secret []byte, requireSigned bool, evaluator *policy.LocalEvaluator, limiter *ratelimit.Limiter, logger *slog.Logger) *PolicyLoader {
	return &PolicyLoader{
		path:          path,
		secret:        secret,
		requireSigned: requireSigned,
		evaluator:     evaluator,
		limiter:       limiter,
		logger:        logger,
	}
}

// Reload re-reads the package file and installs the verified bundle. A
// missing or unreadable file is an error; a failed verification silently
// installs the empty bundle (deny-by-default).
func (l *PolicyLoader) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read policy package: %w", err)
	}

	var pkg policy.SignedPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		// YAML fallback for hand-written dev bundles.
		if yerr := yaml.Unmarshal(raw, &pkg); yerr != nil {
			return fmt.Errorf("decode policy package: %w", err)
		}
	}

	bundle := pkg.VerifyOrEmpty(l.secret, l.requireSigned, l.logger)
	l.install(pkg.Version, bundle)
	l.logger.Info("policy bundle loaded",
		"version", pkg.Version,
		"read_only_tools", len(bundle.ReadOnlyTools),
		"write_tools", len(bundle.WriteTools))
	return nil
}

// Install pushes an already-verified bundle, bypassing the file. Used when a
// lifecycle publish promotes a revision.
func (l *PolicyLoader) Install(version string, bundle policy.Bundle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.install(version, bundle)
}

// Version returns the version string of the installed bundle.
func (l *PolicyLoader) Version() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

func (l *PolicyLoader) install(version string, bundle policy.Bundle) {
	l.version = version
	l.evaluator.Reload(bundle)
	if l.limiter != nil && bundle.RateLimits != nil {
		l.limiter.SetLimits(bundle.RateLimits)
	}
}
