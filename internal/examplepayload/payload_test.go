package examplepayload

import (
	"context"
	"errors"
	"testing"

	"github.com/toolchainlabs/buildsense-workflow/workflow"
	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

func TestFingerprintPayload_DescriptionAndSearchTerms(t *testing.T) {
	p := &FingerprintPayload{BuildID: "b-1", Provider: "github", LogURL: "https://example.com/log"}

	if got, want := p.Description(), "extract github fingerprint for build b-1"; got != want {
		t.Fatalf("Description() = %q, want %q", got, want)
	}
	terms := p.SearchTerms()
	if len(terms) != 2 || terms[0] != "b-1" || terms[1] != "github" {
		t.Fatalf("SearchTerms() = %v, want [b-1 github]", terms)
	}
}

func TestFingerprintHandler(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		payload store.Payload
		wantErr error
	}{
		{
			name:    "known provider with log url succeeds",
			payload: &FingerprintPayload{BuildID: "b-1", Provider: "github", LogURL: "https://x"},
		},
		{
			name:    "unsupported provider",
			payload: &FingerprintPayload{BuildID: "b-1", Provider: "jenkins", LogURL: "https://x"},
			wantErr: ErrUnsupportedProvider,
		},
		{
			name:    "missing log url",
			payload: &FingerprintPayload{BuildID: "b-1", Provider: "gitlab"},
			wantErr: ErrFingerprintUnavailable,
		},
		{
			name:    "wrong payload type",
			payload: &ArtifactUploadPayload{},
			wantErr: nil, // checked separately below, since it's not a sentinel
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FingerprintHandler(ctx, 1, tt.payload)
			if tt.name == "wrong payload type" {
				if err == nil {
					t.Fatal("FingerprintHandler with the wrong payload type should fail")
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("FingerprintHandler() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFingerprintClassifier(t *testing.T) {
	tests := []struct {
		err  error
		want store.FailureCategory
	}{
		{ErrFingerprintUnavailable, store.CategoryTransient},
		{ErrUnsupportedProvider, store.CategoryPermanent},
		{errors.New("something else"), store.CategoryContractViolation},
	}
	for _, tt := range tests {
		if got := FingerprintClassifier(tt.err); got != tt.want {
			t.Errorf("FingerprintClassifier(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestArtifactUploadPayload_DescriptionAndSearchTerms(t *testing.T) {
	p := &ArtifactUploadPayload{BuildID: "b-1", Path: "/artifacts/out.tar.gz", SizeByte: 1024}

	if got, want := p.Description(), "upload artifact /artifacts/out.tar.gz (1024 bytes) for build b-1"; got != want {
		t.Fatalf("Description() = %q, want %q", got, want)
	}
	terms := p.SearchTerms()
	if len(terms) != 2 || terms[0] != "b-1" || terms[1] != "/artifacts/out.tar.gz" {
		t.Fatalf("SearchTerms() = %v, want [b-1 /artifacts/out.tar.gz]", terms)
	}
}

func TestArtifactUploadHandler_TooLarge(t *testing.T) {
	ctx := context.Background()
	err := ArtifactUploadHandler(ctx, 1, &ArtifactUploadPayload{BuildID: "b-1", Path: "/x", SizeByte: maxArtifactBytes + 1})
	if !errors.Is(err, ErrArtifactTooLarge) {
		t.Fatalf("ArtifactUploadHandler(oversized) = %v, want ErrArtifactTooLarge", err)
	}
}

func TestArtifactUploadHandler_WithinLimit(t *testing.T) {
	ctx := context.Background()
	err := ArtifactUploadHandler(ctx, 1, &ArtifactUploadPayload{BuildID: "b-1", Path: "/x", SizeByte: 1024})
	if err != nil {
		t.Fatalf("ArtifactUploadHandler(within limit) = %v, want nil", err)
	}
}

func TestArtifactUploadClassifier(t *testing.T) {
	if got := ArtifactUploadClassifier(ErrArtifactTooLarge); got != store.CategoryPermanent {
		t.Errorf("ArtifactUploadClassifier(ErrArtifactTooLarge) = %v, want CategoryPermanent", got)
	}
	if got := ArtifactUploadClassifier(errors.New("network blip")); got != store.CategoryTransient {
		t.Errorf("ArtifactUploadClassifier(other) = %v, want CategoryTransient", got)
	}
}

func TestRegister_BothPayloadTypesAreDispatchable(t *testing.T) {
	reg := workflow.NewRegistry()
	Register(reg)

	types := reg.PayloadTypes()
	want := map[string]bool{"build.fingerprint": true, "build.artifact_upload": true}
	if len(types) != len(want) {
		t.Fatalf("PayloadTypes() = %v, want exactly %v", types, want)
	}
	for _, pt := range types {
		if !want[pt] {
			t.Fatalf("PayloadTypes() contains unexpected type %q", pt)
		}
	}
}
