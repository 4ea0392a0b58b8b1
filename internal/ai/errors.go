package ai

import (
	"fmt"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
)

// ProviderError is any upstream completion failure: transport errors, non-2xx status,
// in-stream error payloads, unknown provider names.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) ErrorKind() apperr.Kind { return apperr.KindProvider }
