// Package stub registers provider ids the gateway recognizes by name
// but does not implement against a real upstream: OpenAI Realtime and
// Hume EVI (no concrete SDK or protocol grounding anywhere in the
// reference pack), plus any other provider requested before its real
// adapter exists. Every Open call fails fast with a CONFIG-classified
// provider error so a misconfigured session gets an immediate,
// diagnosable rejection instead of hanging on a handle that can never
// produce events.
package stub

import (
	"context"
	"fmt"

	"github.com/square-key-labs/waav/src/providers"
)

// Descriptor returns a Descriptor for a not-yet-implemented provider id
// under the given category, for registry listing purposes.
func Descriptor(id, displayName string, category providers.Category) providers.Descriptor {
	return providers.Descriptor{
		ID:          id,
		DisplayName: displayName,
		Category:    category,
		Features:    []string{"unimplemented"},
	}
}

// Open always fails with FailureProtocolMismatch, which the session
// core maps to gateway.ErrorCode CONFIG.
func Open(id string) providers.OpenFunc {
	return func(ctx context.Context, config map[string]interface{}) (providers.Handle, error) {
		return nil, providers.NewProviderError(id, providers.FailureProtocolMismatch,
			fmt.Errorf("provider %q is registered but not implemented", id))
	}
}
