package testutil

// FixedFlowGenerator generates the same token every time.
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario run with the same FixedFlowGenerator produces a
// byte-identical audit trail, since every request in the run gets the same
// request.ID.
//
// Unlike request.UUIDv7Generator, which mints a fresh id per call, this
// generator always returns the same token — useful when a scenario's
// assertions need to name a request id up front.
//
// Thread-safety: FixedFlowGenerator is stateless and safe for concurrent use.
type FixedFlowGenerator struct {
	token string
}

// NewFixedFlowGenerator creates a new fixed token generator.
//
// The token is typically set in the scenario YAML:
//
//	flow_token: "test-flow-00000000-0000-0000-0000-000000000001"
//
// If token is empty, Generate() returns "test-flow-default".
func NewFixedFlowGenerator(token string) *FixedFlowGenerator {
	if token == "" {
		token = "test-flow-default"
	}
	return &FixedFlowGenerator{token: token}
}

// Generate returns the fixed token. Implements request.IDGenerator.
func (g *FixedFlowGenerator) Generate() string {
	return g.token
}
