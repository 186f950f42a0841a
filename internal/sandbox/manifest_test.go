package sandbox

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
)

// emptyModule is the smallest valid WASM binary: just the magic number and
// version, no sections at all.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestDeriveManifestRejectsModuleWithNoEntrypoint(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	_, err := DeriveManifest(ctx, rt, emptyModule)
	if err == nil {
		t.Fatal("expected an error for a module exporting no recognized entrypoint")
	}
}

func TestImportCapabilityCoversEveryCapability(t *testing.T) {
	want := map[Capability]bool{
		CapCredentialGet: false,
		CapHTTPFetch:      false,
		CapMediaStore:     false,
		CapLogEmit:        false,
		CapKVRead:         false,
		CapKVWrite:        false,
	}
	for _, c := range importCapability {
		want[c] = true
	}
	for cap, found := range want {
		if !found {
			t.Errorf("capability %s has no import name mapped to it", cap)
		}
	}
}
