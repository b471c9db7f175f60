// Package examplepayload registers a pair of illustrative payload types
// against a workflow.Registry: a build-fingerprint extraction job and an
// artifact-upload job. Neither talks to a real CI provider or object
// store — both are out of scope for this engine (spec.md §1) — they
// exist so cmd/workflowd has something concrete to dispatch and so the
// dispatcher's retry/classify paths have a realistic handler shape to
// exercise in tests.
package examplepayload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toolchainlabs/buildsense-workflow/workflow"
	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

// FingerprintPayload describes a single CI build whose log needs a
// provider fingerprint extracted (spec.md §1's "CI-provider fingerprint
// extractors" external collaborator, modeled here only as a payload
// shape, not an implementation).
type FingerprintPayload struct {
	BuildID  string `json:"build_id"`
	Provider string `json:"provider"`
	LogURL   string `json:"log_url"`
}

func (p *FingerprintPayload) Description() string {
	return fmt.Sprintf("extract %s fingerprint for build %s", p.Provider, p.BuildID)
}

func (p *FingerprintPayload) SearchTerms() []string {
	return []string{p.BuildID, p.Provider}
}

// ErrFingerprintUnavailable is returned by the example handler when the
// payload has no log URL yet. It is classified transient: logs often land
// a few seconds after the build record does.
var ErrFingerprintUnavailable = errors.New("examplepayload: fingerprint log not yet available")

// ErrUnsupportedProvider is classified permanent: no amount of retrying
// produces a provider this binary doesn't know how to parse.
var ErrUnsupportedProvider = errors.New("examplepayload: unsupported CI provider")

var knownProviders = map[string]bool{"github": true, "gitlab": true, "circleci": true}

// FingerprintHandler is a placeholder handler: it validates the payload
// shape and reports success whenever validation passes, since no real log store is wired up
// in this repository (spec.md §1 puts the object-store layer and the
// CI-provider extractors out of scope). It exists to give the dispatcher
// a concrete, registrable handler to run.
func FingerprintHandler(ctx context.Context, workUnitID int64, payload store.Payload) error {
	p, ok := payload.(*FingerprintPayload)
	if !ok {
		return fmt.Errorf("examplepayload: unexpected payload type %T", payload)
	}
	if !knownProviders[p.Provider] {
		return ErrUnsupportedProvider
	}
	if p.LogURL == "" {
		return ErrFingerprintUnavailable
	}
	return nil
}

// FingerprintClassifier maps FingerprintHandler's errors to a failure
// category (spec.md §7).
func FingerprintClassifier(err error) store.FailureCategory {
	switch {
	case errors.Is(err, ErrFingerprintUnavailable):
		return store.CategoryTransient
	case errors.Is(err, ErrUnsupportedProvider):
		return store.CategoryPermanent
	default:
		return store.CategoryContractViolation
	}
}

// ArtifactUploadPayload describes a build artifact pending upload to
// object storage (spec.md §1's "object-store layer" external
// collaborator; again modeled only as a payload shape).
type ArtifactUploadPayload struct {
	BuildID  string `json:"build_id"`
	Path     string `json:"path"`
	SizeByte int64  `json:"size_bytes"`
}

func (p *ArtifactUploadPayload) Description() string {
	return fmt.Sprintf("upload artifact %s (%d bytes) for build %s", p.Path, p.SizeByte, p.BuildID)
}

func (p *ArtifactUploadPayload) SearchTerms() []string {
	return []string{p.BuildID, p.Path}
}

// ErrArtifactTooLarge is classified permanent: no retry changes the size
// of the file on disk.
var ErrArtifactTooLarge = errors.New("examplepayload: artifact exceeds maximum upload size")

const maxArtifactBytes = 5 << 30 // 5 GiB

// ArtifactUploadHandler validates the payload and reports success; see
// FingerprintHandler's doc comment for why there's no real upload here.
func ArtifactUploadHandler(ctx context.Context, workUnitID int64, payload store.Payload) error {
	p, ok := payload.(*ArtifactUploadPayload)
	if !ok {
		return fmt.Errorf("examplepayload: unexpected payload type %T", payload)
	}
	if p.SizeByte > maxArtifactBytes {
		return ErrArtifactTooLarge
	}
	return nil
}

// ArtifactUploadClassifier maps ArtifactUploadHandler's errors to a
// failure category. Any error other than the known permanent one is
// treated as transient: a network blip talking to the (absent) object
// store is the expected failure mode.
func ArtifactUploadClassifier(err error) store.FailureCategory {
	if errors.Is(err, ErrArtifactTooLarge) {
		return store.CategoryPermanent
	}
	return store.CategoryTransient
}

// Register wires both example payload types into reg with production-ish
// lease TTLs and retry policies.
func Register(reg *workflow.Registry) {
	reg.Register("build.fingerprint",
		func() store.Payload { return &FingerprintPayload{} },
		FingerprintHandler, FingerprintClassifier,
		2*time.Minute,
		workflow.RetryPolicy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: time.Minute},
	)
	reg.Register("build.artifact_upload",
		func() store.Payload { return &ArtifactUploadPayload{} },
		ArtifactUploadHandler, ArtifactUploadClassifier,
		10*time.Minute,
		workflow.RetryPolicy{MaxAttempts: 6, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute},
	)
}
