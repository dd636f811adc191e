package kinetics

import "errors"

var (
	// ErrUnknownModel reports an unsupported model variant tag.
	ErrUnknownModel = errors.New("kinetics: unknown model variant")

	// ErrParameterCount reports a parameter vector or free mask whose length
	// does not match the model.
	ErrParameterCount = errors.New("kinetics: parameter count mismatch")
)
