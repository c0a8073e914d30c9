package check

import "errors"

// ErrShapeMismatch is returned by a plugin's Evaluate when the parameters it
// received do not have the keys or shape it needs. The execution engine
// reports it as an UNKNOWN result with FaultShape.
var ErrShapeMismatch = errors.New("parameter shape mismatch")
